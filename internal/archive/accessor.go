package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/islishude/inxcore/internal/locator"
)

// Fetcher copies a remote container into w and reports its modification
// time.
type Fetcher interface {
	Fetch(ctx context.Context, ref locator.Ref, w io.Writer) (time.Time, error)
}

type Options struct {
	// Registry defaults to DefaultRegistry.
	Registry *Registry
	// Fetcher is required to open s3:// containers.
	Fetcher Fetcher
	// SpillDir holds downloaded remote containers; defaults to os.TempDir.
	SpillDir string
	Log      zerolog.Logger
}

// Accessor opens containers and tracks the handles it owns.
type Accessor struct {
	registry *Registry
	fetcher  Fetcher
	spillDir string
	log      zerolog.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	handles map[uint64]*Handle
}

func NewAccessor(opts Options) *Accessor {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	return &Accessor{
		registry: opts.Registry,
		fetcher:  opts.Fetcher,
		spillDir: opts.SpillDir,
		log:      opts.Log,
		handles:  make(map[uint64]*Handle),
	}
}

// Open parses the container's index. Content is not decompressed.
func (a *Accessor) Open(ctx context.Context, ref string) (*Handle, error) {
	r, err := locator.Parse(ref)
	if err != nil {
		return nil, &OpenError{Kind: IoError, Path: ref, Err: err}
	}
	switch r.Kind {
	case locator.KindLocal:
		f, err := os.Open(r.Path)
		if err != nil {
			return nil, &OpenError{Kind: IoError, Path: ref, Err: err}
		}
		return a.openFile(ctx, f, ref, filepath.Base(r.Path), f.Close)
	case locator.KindS3:
		return a.openRemote(ctx, r)
	default:
		return nil, &OpenError{Kind: UnsupportedFormat, Path: ref, Err: fmt.Errorf("nested containers are not supported")}
	}
}

type OpenResult struct {
	Handle *Handle
	Err    error
}

// OpenAsync runs Open in the background and delivers exactly one result.
func (a *Accessor) OpenAsync(ctx context.Context, ref string) <-chan OpenResult {
	ch := make(chan OpenResult, 1)
	go func() {
		h, err := a.Open(ctx, ref)
		ch <- OpenResult{Handle: h, Err: err}
		close(ch)
	}()
	return ch
}

func (a *Accessor) openRemote(ctx context.Context, r locator.Ref) (*Handle, error) {
	if a.fetcher == nil {
		return nil, &OpenError{Kind: IoError, Path: r.Raw, Err: fmt.Errorf("no fetcher configured for %s", r.Kind)}
	}
	f, err := os.CreateTemp(a.spillDir, "inx-container-*")
	if err != nil {
		return nil, &OpenError{Kind: IoError, Path: r.Raw, Err: err}
	}
	remove := func() error {
		return errors.Join(f.Close(), os.Remove(f.Name()))
	}
	mod, err := a.fetcher.Fetch(ctx, r, f)
	if err != nil {
		_ = remove()
		return nil, &OpenError{Kind: IoError, Path: r.Raw, Err: err}
	}
	if !mod.IsZero() {
		_ = os.Chtimes(f.Name(), mod, mod)
	}
	return a.openFile(ctx, f, r.Raw, path.Base(r.Key), remove)
}

func (a *Accessor) openFile(ctx context.Context, f *os.File, ref, name string, cleanup func() error) (*Handle, error) {
	st, err := f.Stat()
	if err != nil {
		_ = cleanup()
		return nil, &OpenError{Kind: IoError, Path: ref, Err: err}
	}
	src := &fileSource{f: f, size: st.Size(), name: name, modTime: st.ModTime()}
	codec, err := a.registry.Detect(src)
	if err != nil {
		_ = cleanup()
		return nil, classifyOpenError(ref, err)
	}
	dec, err := codec.Open(ctx, src)
	if err != nil {
		_ = cleanup()
		return nil, classifyOpenError(ref, err)
	}

	h := &Handle{
		id:      a.nextID.Add(1),
		path:    ref,
		format:  codec.Name(),
		modTime: st.ModTime(),
		size:    st.Size(),
		dec:     dec,
		idx:     buildIndex(dec.Records()),
		access:  semaphore.NewWeighted(1),
		cleanup: cleanup,
		log:     a.log,
	}
	a.mu.Lock()
	a.handles[h.id] = h
	a.mu.Unlock()
	a.log.Debug().Str("container", ref).Str("format", h.format).Int("entries", len(h.idx.sorted)).Msg("container opened")
	return h, nil
}

// Handle looks up an open handle by id.
func (a *Accessor) Handle(id uint64) (*Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[id]
	return h, ok
}

func (a *Accessor) List(h *Handle, dir string) ([]Entry, error) { return h.List(dir) }

func (a *Accessor) Stat(h *Handle, p string) (Entry, error) { return h.Stat(p) }

// Close closes h and forgets it. Closing twice is a no-op.
func (a *Accessor) Close(h *Handle) error {
	a.mu.Lock()
	delete(a.handles, h.id)
	a.mu.Unlock()
	return h.Close()
}

// CloseAll closes every handle still open.
func (a *Accessor) CloseAll() error {
	a.mu.Lock()
	handles := make([]*Handle, 0, len(a.handles))
	for _, h := range a.handles {
		handles = append(handles, h)
	}
	a.handles = make(map[uint64]*Handle)
	a.mu.Unlock()

	var err error
	for _, h := range handles {
		err = errors.Join(err, h.Close())
	}
	return err
}

type fileSource struct {
	f       *os.File
	size    int64
	name    string
	modTime time.Time
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Size() int64                             { return s.size }
func (s *fileSource) Name() string                            { return s.name }
func (s *fileSource) ModTime() time.Time                      { return s.modTime }
