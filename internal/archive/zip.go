package archive

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
)

type ZipCodec struct{}

var _ Codec = ZipCodec{}

func (ZipCodec) Name() string { return "zip" }

func (ZipCodec) Match(head []byte) bool {
	return bytes.HasPrefix(head, []byte("PK\x03\x04")) ||
		bytes.HasPrefix(head, []byte("PK\x05\x06")) ||
		bytes.HasPrefix(head, []byte("PK\x07\x08"))
}

func (ZipCodec) Open(_ context.Context, src Source) (Decoder, error) {
	zr, err := zip.NewReader(src, src.Size())
	if err != nil {
		return nil, corrupt(err)
	}
	records := make([]Record, 0, len(zr.File))
	for _, f := range zr.File {
		mod := f.Modified
		if mod.IsZero() {
			mod = f.ModTime()
		}
		records = append(records, Record{
			Path:           f.Name,
			Size:           int64(f.UncompressedSize64),
			CompressedSize: int64(f.CompressedSize64),
			IsDir:          strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir(),
			ModTime:        mod,
			Mode:           f.Mode(),
		})
	}
	return &zipDecoder{zr: zr, records: records}, nil
}

type zipDecoder struct {
	zr      *zip.Reader
	records []Record
}

func (d *zipDecoder) Records() []Record { return d.records }

func (d *zipDecoder) Open(_ context.Context, i int) (io.ReadCloser, error) {
	rc, err := d.zr.File[i].Open()
	if err != nil {
		return nil, corrupt(err)
	}
	return rc, nil
}

// Close is a no-op; the underlying file belongs to the Handle.
func (d *zipDecoder) Close() error { return nil }
