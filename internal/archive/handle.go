package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/islishude/inxcore/internal/locator"
)

// Handle is an opened container. It is either fully open or invalid: once
// closed, every operation fails with ErrHandleInvalidated.
//
// Listings consult the parsed index and may run concurrently. Reads of
// member content go through a single-slot queue so the decoder state is
// used by at most one reader at a time.
type Handle struct {
	id      uint64
	path    string
	format  string
	modTime time.Time
	size    int64

	dec     Decoder
	idx     *index
	access  *semaphore.Weighted
	cleanup func() error
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func (h *Handle) ID() uint64 { return h.id }

// Path is the reference the container was opened from.
func (h *Handle) Path() string { return h.path }

func (h *Handle) Format() string { return h.format }

// ModTime and Size form the container's modification signature.
func (h *Handle) ModTime() time.Time { return h.modTime }
func (h *Handle) Size() int64        { return h.size }

func (h *Handle) Valid() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.closed
}

// List returns the immediate children of the virtual directory dir ("" is
// the root) in byte order of their paths.
func (h *Handle) List(dir string) ([]Entry, error) {
	if !h.Valid() {
		return nil, ErrHandleInvalidated
	}
	dir = locator.CleanVirtual(dir)
	entries, err := h.idx.list(dir)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", dir, err)
	}
	return entries, nil
}

func (h *Handle) Stat(p string) (Entry, error) {
	if !h.Valid() {
		return Entry{}, ErrHandleInvalidated
	}
	p = locator.CleanVirtual(p)
	e, ok := h.idx.lookup(p)
	if !ok {
		return Entry{}, fmt.Errorf("stat %q: %w", p, ErrNotFound)
	}
	return e, nil
}

// Entries is the flat index: every entry, synthesized directories included,
// ordered by path.
func (h *Handle) Entries() ([]Entry, error) {
	if !h.Valid() {
		return nil, ErrHandleInvalidated
	}
	return h.idx.all(), nil
}

// Descendants returns the entries below dir, dir itself excluded, in path
// order.
func (h *Handle) Descendants(dir string) ([]Entry, error) {
	children, err := h.List(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, c := range children {
		out = append(out, c)
		if c.IsDir {
			sub, err := h.Descendants(c.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	}
	return out, nil
}

// OpenEntry streams the content of the file entry at p. It waits for the
// handle's read slot; the slot is released when the returned reader is
// closed, so callers must always close it.
func (h *Handle) OpenEntry(ctx context.Context, p string) (io.ReadCloser, Entry, error) {
	e, err := h.Stat(p)
	if err != nil {
		return nil, Entry{}, err
	}
	if e.IsDir {
		return nil, e, fmt.Errorf("open %q: %w", e.Path, ErrIsDir)
	}
	if err := h.access.Acquire(ctx, 1); err != nil {
		return nil, e, err
	}
	if !h.Valid() {
		h.access.Release(1)
		return nil, e, ErrHandleInvalidated
	}
	rc, err := h.dec.Open(ctx, e.ref)
	if err != nil {
		h.access.Release(1)
		return nil, e, fmt.Errorf("open %q: %w", e.Path, err)
	}
	return &memberReader{h: h, rc: rc}, e, nil
}

// Close releases the decoder and any spill file. It waits for an in-flight
// reader to be closed and is safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	_ = h.access.Acquire(context.Background(), 1)
	defer h.access.Release(1)

	err := h.dec.Close()
	if h.cleanup != nil {
		err = errors.Join(err, h.cleanup())
	}
	h.log.Debug().Str("container", h.path).Msg("container closed")
	return err
}

type memberReader struct {
	h    *Handle
	rc   io.ReadCloser
	once sync.Once
}

func (m *memberReader) Read(p []byte) (int, error) {
	if !m.h.Valid() {
		return 0, ErrHandleInvalidated
	}
	return m.rc.Read(p)
}

func (m *memberReader) Close() error {
	var err error
	m.once.Do(func() {
		err = m.rc.Close()
		m.h.access.Release(1)
	})
	return err
}
