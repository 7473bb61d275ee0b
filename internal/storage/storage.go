// Package storage defines where extracted entries are written.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

var (
	// ErrExists reports a destination that is already taken.
	ErrExists = errors.New("destination exists")
	// ErrUnsafePath reports a name that resolves outside the sink root.
	ErrUnsafePath = errors.New("destination escapes extraction root")
)

type CreateOptions struct {
	// Overwrite truncates an existing destination instead of failing with
	// ErrExists.
	Overwrite bool
	Mode      fs.FileMode
	ModTime   time.Time
	Xattrs    map[string][]byte
	Metadata  map[string]string
}

// Writer receives one entry's bytes. Exactly one of Commit or Abort must be
// called; Abort removes whatever was written.
type Writer interface {
	io.Writer
	Commit() error
	Abort() error
	Location() string
}

type Sink interface {
	Mkdir(ctx context.Context, name string) error
	Create(ctx context.Context, name string, opts CreateOptions) (Writer, error)
	Symlink(ctx context.Context, name, target string, opts CreateOptions) error
}
