package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/islishude/inxcore/internal/compress"
	"github.com/islishude/inxcore/internal/locator"
)

type TarCodec struct{}

var _ Codec = TarCodec{}

func (TarCodec) Name() string { return "tar" }

func (TarCodec) Match(head []byte) bool { return isTarHeader(head) }

// MatchExt lets a pre-POSIX tar without the ustar magic open by name.
func (TarCodec) MatchExt(name string) bool {
	return strings.EqualFold(path.Ext(name), ".tar")
}

func (TarCodec) Open(ctx context.Context, src Source) (Decoder, error) {
	return openTar(ctx, src, compress.None)
}

func isTarHeader(head []byte) bool {
	return len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar"))
}

const brokenLink = -2

// tarDecoder indexes a tar stream. Plain tar members are read through
// section readers at their recorded offsets; members of compressed or sparse
// streams are reached by rescanning from the start.
type tarDecoder struct {
	src     Source
	stream  compress.Type
	records []Record
	seq     []int
	offsets []int64
	links   []int
}

func openTar(ctx context.Context, src Source, stream compress.Type) (*tarDecoder, error) {
	d := &tarDecoder{src: src, stream: stream}
	var (
		sr *io.SectionReader
		r  io.Reader
	)
	if stream == compress.None {
		sr = io.NewSectionReader(src, 0, src.Size())
		r = sr
	} else {
		rc, err := openCompressed(src, stream)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		r = rc
	}

	tr := tar.NewReader(r)
	byPath := make(map[string]int)
	for seq := 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, corrupt(fmt.Errorf("read tar header: %w", err))
		}
		rec := Record{
			Path:           hdr.Name,
			Size:           hdr.Size,
			CompressedSize: -1,
			ModTime:        hdr.ModTime,
			Mode:           hdr.FileInfo().Mode(),
			Xattrs:         decodeXattrs(hdr),
		}
		link := -1
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeGNUSparse:
		case tar.TypeDir:
			rec.IsDir = true
			rec.Size = 0
		case tar.TypeSymlink:
			rec.Linkname = hdr.Linkname
			rec.Size = 0
		case tar.TypeLink:
			target, ok := byPath[locator.CleanVirtual(hdr.Linkname)]
			if !ok {
				link = brokenLink
				rec.Size = 0
				break
			}
			if d.links[target] >= 0 {
				target = d.links[target]
			}
			link = target
			rec.Size = d.records[target].Size
			rec.Mode = d.records[target].Mode
		default:
			continue
		}

		offset := int64(-1)
		if sr != nil && hdr.Typeflag == tar.TypeReg && !isSparse(hdr) {
			pos, err := sr.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, err
			}
			offset = pos
		}
		byPath[locator.CleanVirtual(rec.Path)] = len(d.records)
		d.records = append(d.records, rec)
		d.seq = append(d.seq, seq)
		d.offsets = append(d.offsets, offset)
		d.links = append(d.links, link)
	}
	return d, nil
}

func isSparse(hdr *tar.Header) bool {
	if hdr.Typeflag == tar.TypeGNUSparse {
		return true
	}
	for k := range hdr.PAXRecords {
		if strings.HasPrefix(k, "GNU.sparse.") {
			return true
		}
	}
	return false
}

func (d *tarDecoder) Records() []Record { return d.records }

func (d *tarDecoder) Open(ctx context.Context, i int) (io.ReadCloser, error) {
	j := i
	switch link := d.links[i]; {
	case link == brokenLink:
		return nil, corrupt(fmt.Errorf("hard link %q has no target", d.records[i].Path))
	case link >= 0:
		j = link
	}
	rec := d.records[j]
	if rec.Linkname != "" || rec.IsDir {
		return io.NopCloser(strings.NewReader("")), nil
	}
	if d.offsets[j] >= 0 {
		return io.NopCloser(io.NewSectionReader(d.src, d.offsets[j], rec.Size)), nil
	}
	return d.rescan(ctx, d.seq[j])
}

func (d *tarDecoder) rescan(ctx context.Context, target int) (io.ReadCloser, error) {
	var rc io.ReadCloser
	if d.stream == compress.None {
		rc = io.NopCloser(io.NewSectionReader(d.src, 0, d.src.Size()))
	} else {
		var err error
		if rc, err = openCompressed(d.src, d.stream); err != nil {
			return nil, err
		}
	}
	tr := tar.NewReader(rc)
	for seq := 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			_ = rc.Close()
			return nil, err
		}
		if _, err := tr.Next(); err != nil {
			_ = rc.Close()
			if errors.Is(err, io.EOF) {
				return nil, corrupt(fmt.Errorf("tar member %d vanished on rescan", target))
			}
			return nil, corrupt(err)
		}
		if seq == target {
			return &stackedReadCloser{reader: tr, closer: rc}, nil
		}
	}
}

func (d *tarDecoder) Close() error { return nil }

type stackedReadCloser struct {
	reader io.Reader
	closer io.Closer
}

func (r *stackedReadCloser) Read(p []byte) (int, error) { return r.reader.Read(p) }
func (r *stackedReadCloser) Close() error               { return r.closer.Close() }
