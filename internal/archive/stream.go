package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"path"
	"time"

	"github.com/islishude/inxcore/internal/compress"
)

// StreamCodec handles single compressed streams. A stream whose payload is a
// tar archive is indexed as that tar; anything else becomes a container with
// one entry named after the source minus its compression suffix.
type StreamCodec struct{}

var _ Codec = StreamCodec{}

func (StreamCodec) Name() string { return "stream" }

func (StreamCodec) Match(head []byte) bool {
	return compress.Detect(head) != compress.Auto
}

func (StreamCodec) Open(ctx context.Context, src Source) (Decoder, error) {
	magic, err := readHead(src, compress.MagicLen)
	if err != nil {
		return nil, err
	}
	t := compress.Detect(magic)
	if t == compress.Auto {
		return nil, ErrUnsupportedFormat
	}

	rc, err := openCompressed(src, t)
	if err != nil {
		return nil, err
	}
	head := make([]byte, SniffLen)
	n, err := io.ReadFull(rc, head)
	_ = rc.Close()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, corrupt(err)
	}
	if isTarHeader(head[:n]) {
		return openTar(ctx, src, t)
	}

	size := int64(-1)
	if t == compress.Gzip {
		size = gzipISize(src)
	}
	var mod time.Time
	if m, ok := src.(interface{ ModTime() time.Time }); ok {
		mod = m.ModTime()
	}
	rec := Record{
		Path:           compress.TrimExt(path.Base(src.Name()), t),
		Size:           size,
		CompressedSize: src.Size(),
		ModTime:        mod,
		Mode:           0o644,
	}
	return &streamDecoder{src: src, stream: t, records: []Record{rec}}, nil
}

// gzipISize reads the uncompressed length from the gzip trailer. It is only
// exact for single-member streams below 4GiB.
func gzipISize(src Source) int64 {
	if src.Size() < 18 {
		return -1
	}
	var b [4]byte
	if _, err := src.ReadAt(b[:], src.Size()-4); err != nil {
		return -1
	}
	return int64(binary.LittleEndian.Uint32(b[:]))
}

type streamDecoder struct {
	src     Source
	stream  compress.Type
	records []Record
}

func (d *streamDecoder) Records() []Record { return d.records }

func (d *streamDecoder) Open(_ context.Context, _ int) (io.ReadCloser, error) {
	return openCompressed(d.src, d.stream)
}

func (d *streamDecoder) Close() error { return nil }

func openCompressed(src Source, t compress.Type) (io.ReadCloser, error) {
	rc, _, err := compress.NewReader(io.NopCloser(io.NewSectionReader(src, 0, src.Size())), t, src.Name())
	if err != nil {
		return nil, corrupt(err)
	}
	return &corruptingReader{rc: rc}, nil
}

// corruptingReader tags decompression failures so callers can tell bad data
// from destination errors.
type corruptingReader struct {
	rc io.ReadCloser
}

func (r *corruptingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = corrupt(err)
	}
	return n, err
}

func (r *corruptingReader) Close() error { return r.rc.Close() }
