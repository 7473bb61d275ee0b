package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/islishude/inxcore/internal/cache"
)

// Input is the materialized content handed to a Decoder.
type Input struct {
	// Name carries the file extension used for kind detection.
	Name string
	Size int64

	path     string
	data     []byte
	spillDir string
	cleanup  []func()
}

// Open returns a fresh reader over the content. It may be called more than
// once.
func (in *Input) Open() (io.ReadCloser, error) {
	if in.path != "" {
		return os.Open(in.path)
	}
	return io.NopCloser(bytes.NewReader(in.data)), nil
}

// File returns a filesystem path holding the content, writing a temporary
// copy when the content only exists in memory.
func (in *Input) File() (string, error) {
	if in.path != "" {
		return in.path, nil
	}
	f, err := os.CreateTemp(in.spillDir, "inx-preview-*"+path.Ext(in.Name))
	if err != nil {
		return "", err
	}
	name := f.Name()
	in.cleanup = append(in.cleanup, func() { _ = os.Remove(name) })
	_, err = f.Write(in.data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	in.path = name
	return name, nil
}

// Head returns up to n leading bytes.
func (in *Input) Head(n int) ([]byte, error) {
	if in.path == "" {
		return in.data[:min(n, len(in.data))], nil
	}
	f, err := os.Open(in.path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	buf := make([]byte, n)
	m, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:m], nil
}

func (in *Input) release() {
	for _, fn := range in.cleanup {
		fn()
	}
	in.cleanup = nil
}

var errTooLarge = errors.New("member exceeds preview size limit")

// signature returns the modification signature of src, reading it from the
// file or the container index when the request did not carry one.
func signature(src Source) (cache.Signature, error) {
	if src.Handle != nil {
		e, err := src.Handle.Stat(src.Path)
		if err != nil {
			return cache.Signature{}, err
		}
		if e.IsDir {
			return cache.Signature{}, fmt.Errorf("%s is a directory", e.Path)
		}
		if src.Signature != (cache.Signature{}) {
			return src.Signature, nil
		}
		return cache.Signature{ModTime: e.ModTime, Size: e.Size}, nil
	}
	st, err := os.Stat(src.Path)
	if err != nil {
		return cache.Signature{}, err
	}
	if st.IsDir() {
		return cache.Signature{}, fmt.Errorf("%s is a directory", src.Path)
	}
	if src.Signature != (cache.Signature{}) {
		return src.Signature, nil
	}
	return cache.Signature{ModTime: st.ModTime(), Size: st.Size()}, nil
}

// materialize makes the content of src available to decoders. Archive
// members are read into memory, bounded by MaxMemberBytes.
func (g *Generator) materialize(ctx context.Context, src Source) (*Input, error) {
	if src.Handle == nil {
		st, err := os.Stat(src.Path)
		if err != nil {
			return nil, err
		}
		return &Input{Name: src.Path, Size: st.Size(), path: src.Path, spillDir: g.opts.SpillDir}, nil
	}

	rc, e, err := src.Handle.OpenEntry(ctx, src.Path)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	if e.Size > g.opts.MaxMemberBytes {
		return nil, fmt.Errorf("%s: %w", e.Path, errTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(rc, g.opts.MaxMemberBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > g.opts.MaxMemberBytes {
		return nil, fmt.Errorf("%s: %w", e.Path, errTooLarge)
	}
	return &Input{Name: e.Path, Size: int64(len(data)), data: data, spillDir: g.opts.SpillDir}, nil
}
