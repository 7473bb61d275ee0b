package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// SniffLen is how many leading bytes codecs get to recognize a container.
const SniffLen = 512

// Source is random-access container content.
type Source interface {
	io.ReaderAt
	Size() int64
	Name() string
}

// Codec recognizes one container format and parses its index.
type Codec interface {
	Name() string
	// Match reports whether head carries the codec's signature.
	Match(head []byte) bool
	// Open parses headers only; member content is decoded lazily by the
	// returned Decoder.
	Open(ctx context.Context, src Source) (Decoder, error)
}

// ExtMatcher is implemented by codecs that can also claim a container by
// file name when no codec recognizes its signature.
type ExtMatcher interface {
	MatchExt(name string) bool
}

// Decoder owns the parsed state of one opened container.
type Decoder interface {
	Records() []Record
	// Open streams the content of the record at index i.
	Open(ctx context.Context, i int) (io.ReadCloser, error)
	Close() error
}

// Registry maps container signatures to codecs. Codecs are tried in
// registration order.
type Registry struct {
	codecs []Codec
}

func NewRegistry(codecs ...Codec) *Registry {
	return &Registry{codecs: append([]Codec(nil), codecs...)}
}

// DefaultRegistry knows zip, 7z, tar and compressed streams (including
// compressed tar).
func DefaultRegistry() *Registry {
	return NewRegistry(ZipCodec{}, SevenZipCodec{}, TarCodec{}, StreamCodec{})
}

func (r *Registry) Codecs() []Codec {
	return append([]Codec(nil), r.codecs...)
}

// Detect returns the first codec that recognizes the signature of src.
// Names are consulted only when no signature matches.
func (r *Registry) Detect(src Source) (Codec, error) {
	head, err := readHead(src, SniffLen)
	if err != nil {
		return nil, err
	}
	for _, c := range r.codecs {
		if c.Match(head) {
			return c, nil
		}
	}
	for _, c := range r.codecs {
		if m, ok := c.(ExtMatcher); ok && m.MatchExt(src.Name()) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, src.Name())
}

func readHead(src io.ReaderAt, n int) ([]byte, error) {
	head := make([]byte, n)
	read, err := src.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return head[:read], nil
}
