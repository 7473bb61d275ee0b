// Package archivetest builds container fixtures for tests.
package archivetest

import (
	"archive/tar"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/islishude/inxcore/internal/compress"
)

// File is one fixture entry. Names ending in "/" are directories.
type File struct {
	Name     string
	Body     string
	Linkname string
	Hardlink bool
	PAX      map[string]string
}

var FixtureTime = time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

func WriteZip(t testing.TB, path string, files []File) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	zw := zip.NewWriter(f)
	for _, file := range files {
		hdr := &zip.FileHeader{Name: file.Name, Method: zip.Deflate, Modified: FixtureTime}
		if strings.HasSuffix(file.Name, "/") {
			hdr.Method = zip.Store
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("zip header %s: %v", file.Name, err)
		}
		if _, err := w.Write([]byte(file.Body)); err != nil {
			t.Fatalf("zip write %s: %v", file.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

// WriteTar writes a tar archive compressed with c (compress.None for plain).
func WriteTar(t testing.TB, path string, c compress.Type, files []File) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	cw, err := compress.NewWriter(f, c)
	if err != nil {
		t.Fatalf("compress writer: %v", err)
	}
	tw := tar.NewWriter(cw)
	for _, file := range files {
		hdr := &tar.Header{
			Name:       file.Name,
			Mode:       0o644,
			ModTime:    FixtureTime,
			Typeflag:   tar.TypeReg,
			Size:       int64(len(file.Body)),
			PAXRecords: file.PAX,
			Format:     tar.FormatPAX,
		}
		switch {
		case strings.HasSuffix(file.Name, "/"):
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Size = 0
		case file.Hardlink:
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = file.Linkname
			hdr.Size = 0
		case file.Linkname != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = file.Linkname
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", file.Name, err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write([]byte(file.Body)); err != nil {
				t.Fatalf("tar write %s: %v", file.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

// WriteStream writes body as a single compressed stream.
func WriteStream(t testing.TB, path string, c compress.Type, body []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	cw, err := compress.NewWriter(f, c)
	if err != nil {
		t.Fatalf("compress writer: %v", err)
	}
	if _, err := cw.Write(body); err != nil {
		t.Fatalf("write stream: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}
