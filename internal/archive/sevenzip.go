package archive

import (
	"bytes"
	"context"
	"io"

	"github.com/bodgit/sevenzip"
)

type SevenZipCodec struct{}

var _ Codec = SevenZipCodec{}

var sevenZipMagic = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}

func (SevenZipCodec) Name() string { return "7z" }

func (SevenZipCodec) Match(head []byte) bool {
	return bytes.HasPrefix(head, sevenZipMagic)
}

func (SevenZipCodec) Open(_ context.Context, src Source) (Decoder, error) {
	zr, err := sevenzip.NewReader(src, src.Size())
	if err != nil {
		return nil, corrupt(err)
	}
	records := make([]Record, 0, len(zr.File))
	for _, f := range zr.File {
		fi := f.FileInfo()
		records = append(records, Record{
			Path: f.Name,
			//nolint:gosec // sizes don't exceed int64
			Size:           int64(f.UncompressedSize),
			CompressedSize: -1,
			IsDir:          fi.IsDir(),
			ModTime:        f.Modified,
			Mode:           fi.Mode(),
		})
	}
	return &sevenZipDecoder{zr: zr, records: records}, nil
}

// 7z folders are solid: opening a member decodes its predecessors in the
// same folder, which sevenzip handles internally.
type sevenZipDecoder struct {
	zr      *sevenzip.Reader
	records []Record
}

func (d *sevenZipDecoder) Records() []Record { return d.records }

func (d *sevenZipDecoder) Open(_ context.Context, i int) (io.ReadCloser, error) {
	rc, err := d.zr.File[i].Open()
	if err != nil {
		return nil, corrupt(err)
	}
	return rc, nil
}

func (d *sevenZipDecoder) Close() error { return nil }
