package archive

import (
	"io/fs"
	"path"
	"time"
)

// Record is what a codec reports for one stored item, in storage order.
type Record struct {
	Path           string
	Size           int64
	CompressedSize int64
	IsDir          bool
	ModTime        time.Time
	Mode           fs.FileMode
	Linkname       string
	Xattrs         map[string][]byte
}

// Entry describes one item inside an opened container. Values are copies;
// reading an entry's content requires the Handle that produced it to still
// be open.
type Entry struct {
	// Path is slash separated, relative to the container root, without a
	// trailing slash.
	Path string
	Size int64
	// CompressedSize is -1 when the format does not store it per entry.
	CompressedSize int64
	IsDir          bool
	ModTime        time.Time
	Mode           fs.FileMode
	Linkname       string
	Xattrs         map[string][]byte
	// Synthesized directories have no record of their own in the container.
	Synthesized bool

	ref int
}

func (e Entry) Name() string { return path.Base(e.Path) }

func (e Entry) IsSymlink() bool { return e.Mode&fs.ModeSymlink != 0 }

func parentOf(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}
