package preview

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/islishude/inxcore/internal/archive"
	"github.com/islishude/inxcore/internal/cache"
	"github.com/islishude/inxcore/internal/locator"
)

var (
	// ErrNoBackend is returned by a Decoder that cannot handle the input
	// because the backend it needs is not available.
	ErrNoBackend = errors.New("no decoder backend")
	ErrClosed    = errors.New("preview generator closed")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindVideo
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Source identifies the item to preview: a filesystem path, or an entry of
// an open container when Handle is set.
type Source struct {
	Path   string
	Handle *archive.Handle
	// Signature is the last known modification signature. When zero it is
	// read from the file or the container index.
	Signature cache.Signature
}

func (s Source) Identity() string {
	if s.Handle != nil {
		return s.Handle.Path() + locator.MemberSep + locator.CleanVirtual(s.Path)
	}
	return s.Path
}

// Request asks for a preview that fits inside Width x Height.
type Request struct {
	Source Source
	Width  int
	Height int
}

type Status int

const (
	StatusOK Status = iota
	// StatusFallback carries an icon instead of a rendered image.
	StatusFallback
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFallback:
		return "fallback"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type FailureKind int

const (
	FailNone FailureKind = iota
	DecodeError
	UnsupportedKind
	SourceUnavailable
)

func (k FailureKind) String() string {
	switch k {
	case DecodeError:
		return "decode error"
	case UnsupportedKind:
		return "unsupported kind"
	case SourceUnavailable:
		return "source unavailable"
	default:
		return ""
	}
}

// Result is delivered exactly once per request.
type Result struct {
	ID     uint64
	Status Status
	Kind   Kind
	// Image is set for StatusOK; its bounds fit the requested box.
	Image    image.Image
	Width    int
	Height   int
	MimeType string
	// Icon names the freedesktop icon for StatusFallback.
	Icon    string
	Failure FailureKind
	Err     error
	// Cached is set when the result was served from the cache.
	Cached  bool
	Elapsed time.Duration
}

// detached returns r with a private copy of its image, so a caller drawing
// on the thumbnail never alters the cached render.
func (r Result) detached() Result {
	if r.Image != nil {
		r.Image = cloneImage(r.Image)
	}
	return r
}

func (r Result) String() string {
	switch r.Status {
	case StatusOK:
		return fmt.Sprintf("%s %dx%d", r.Kind, r.Width, r.Height)
	case StatusFallback:
		return fmt.Sprintf("icon %s (%s)", r.Icon, r.MimeType)
	case StatusFailed:
		return fmt.Sprintf("failed (%s): %v", r.Failure, r.Err)
	default:
		return r.Status.String()
	}
}

// cost approximates the memory a cached result holds.
func cost(r Result) int64 {
	const overhead = 256
	if r.Image == nil {
		return overhead
	}
	if rgba, ok := r.Image.(*image.RGBA); ok {
		return int64(len(rgba.Pix)) + overhead
	}
	b := r.Image.Bounds()
	return int64(b.Dx()*b.Dy()*4) + overhead
}

// cacheable reports whether a result stays valid until its source changes.
func cacheable(r Result) bool {
	switch r.Status {
	case StatusOK, StatusFallback:
		return true
	case StatusFailed:
		return r.Failure == DecodeError || r.Failure == UnsupportedKind
	default:
		return false
	}
}
