package archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/islishude/inxcore/internal/archive"
	"github.com/islishude/inxcore/internal/archive/archivetest"
	"github.com/islishude/inxcore/internal/compress"
)

func openFixture(t *testing.T, name string, write func(path string)) *archive.Handle {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	write(p)
	acc := archive.NewAccessor(archive.Options{})
	h, err := acc.Open(context.Background(), p)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", name, err)
	}
	t.Cleanup(func() { _ = acc.Close(h) })
	return h
}

func paths(entries []archive.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestListSynthesizesAndOrders(t *testing.T) {
	h := openFixture(t, "a.zip", func(p string) {
		archivetest.WriteZip(t, p, []archivetest.File{
			{Name: "a.txt", Body: "alpha"},
			{Name: "dir/b.png", Body: "png"},
			{Name: "dir/"},
		})
	})

	root, err := h.List("")
	if err != nil {
		t.Fatalf("List(root) error = %v", err)
	}
	if got := strings.Join(paths(root), ","); got != "a.txt,dir" {
		t.Fatalf("List(root) = %s", got)
	}
	if !root[1].IsDir {
		t.Fatalf("dir should be a directory")
	}

	sub, err := h.List("dir")
	if err != nil {
		t.Fatalf("List(dir) error = %v", err)
	}
	if got := strings.Join(paths(sub), ","); got != "dir/b.png" {
		t.Fatalf("List(dir) = %s", got)
	}
}

func TestListSynthesizesMissingDirectories(t *testing.T) {
	h := openFixture(t, "deep.zip", func(p string) {
		archivetest.WriteZip(t, p, []archivetest.File{{Name: "x/y/z.txt", Body: "z"}})
	})
	root, err := h.List("")
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	if len(root) != 1 || root[0].Path != "x" || !root[0].IsDir || !root[0].Synthesized {
		t.Fatalf("root = %+v", root)
	}
	e, err := h.Stat("x/y")
	if err != nil {
		t.Fatalf("Stat error = %v", err)
	}
	if !e.IsDir || !e.Synthesized {
		t.Fatalf("x/y = %+v", e)
	}
}

func TestListByteOrderInterleavesDirectories(t *testing.T) {
	h := openFixture(t, "order.tar", func(p string) {
		archivetest.WriteTar(t, p, compress.None, []archivetest.File{
			{Name: "b.txt", Body: "b"},
			{Name: "a/"},
			{Name: "C.txt", Body: "c"},
			{Name: "a.txt", Body: "a"},
			{Name: "c/d.txt", Body: "d"},
		})
	})
	root, err := h.List("")
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	if got := strings.Join(paths(root), ","); got != "C.txt,a,a.txt,b.txt,c" {
		t.Fatalf("List(root) = %s", got)
	}
}

func TestRecursiveListingMatchesFlatIndex(t *testing.T) {
	files := []archivetest.File{
		{Name: "README.md", Body: "readme"},
		{Name: "src/"},
		{Name: "src/main.go", Body: "package main"},
		{Name: "src/pkg/util.go", Body: "package pkg"},
		{Name: "docs/guide/intro.txt", Body: "intro"},
		{Name: "docs/guide/usage.txt", Body: "usage"},
		{Name: "z/"},
	}
	cases := map[string]func(p string){
		"t.zip":     func(p string) { archivetest.WriteZip(t, p, files) },
		"t.tar":     func(p string) { archivetest.WriteTar(t, p, compress.None, files) },
		"t.tar.gz":  func(p string) { archivetest.WriteTar(t, p, compress.Gzip, files) },
		"t.tar.xz":  func(p string) { archivetest.WriteTar(t, p, compress.Xz, files) },
		"t.tar.bz2": func(p string) { archivetest.WriteTar(t, p, compress.Bzip2, files) },
	}
	for name, write := range cases {
		t.Run(name, func(t *testing.T) {
			h := openFixture(t, name, write)
			flat, err := h.Entries()
			if err != nil {
				t.Fatalf("Entries error = %v", err)
			}
			seen := make(map[string]int)
			var walk func(dir string)
			walk = func(dir string) {
				children, err := h.List(dir)
				if err != nil {
					t.Fatalf("List(%q) error = %v", dir, err)
				}
				for _, c := range children {
					seen[c.Path]++
					if c.IsDir {
						walk(c.Path)
					}
				}
			}
			walk("")
			if len(seen) != len(flat) {
				t.Fatalf("recursive listing found %d entries, flat index has %d", len(seen), len(flat))
			}
			for _, e := range flat {
				if seen[e.Path] != 1 {
					t.Fatalf("entry %q listed %d times", e.Path, seen[e.Path])
				}
			}
			for _, f := range files {
				p := strings.TrimSuffix(f.Name, "/")
				if seen[p] != 1 {
					t.Fatalf("record %q missing from listing", p)
				}
			}
		})
	}
}

func TestOpenEntryRoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 8192)
	files := []archivetest.File{
		{Name: "first.txt", Body: "first"},
		{Name: "nested/big.bin", Body: string(big)},
		{Name: "last.txt", Body: "last"},
	}
	cases := map[string]func(p string){
		"r.zip":     func(p string) { archivetest.WriteZip(t, p, files) },
		"r.tar":     func(p string) { archivetest.WriteTar(t, p, compress.None, files) },
		"r.tar.gz":  func(p string) { archivetest.WriteTar(t, p, compress.Gzip, files) },
		"r.tar.zst": func(p string) { archivetest.WriteTar(t, p, compress.Zstd, files) },
		"r.tar.lz4": func(p string) { archivetest.WriteTar(t, p, compress.Lz4, files) },
		"r.tar.bz2": func(p string) { archivetest.WriteTar(t, p, compress.Bzip2, files) },
		"r.tar.xz":  func(p string) { archivetest.WriteTar(t, p, compress.Xz, files) },
	}
	for name, write := range cases {
		t.Run(name, func(t *testing.T) {
			h := openFixture(t, name, write)
			// Read out of storage order to exercise rescans.
			for _, f := range []archivetest.File{files[2], files[0], files[1]} {
				rc, e, err := h.OpenEntry(context.Background(), f.Name)
				if err != nil {
					t.Fatalf("OpenEntry(%s) error = %v", f.Name, err)
				}
				got, err := io.ReadAll(rc)
				_ = rc.Close()
				if err != nil {
					t.Fatalf("ReadAll(%s) error = %v", f.Name, err)
				}
				if string(got) != f.Body {
					t.Fatalf("content mismatch for %s", f.Name)
				}
				if e.Size != int64(len(f.Body)) {
					t.Fatalf("size = %d, want %d", e.Size, len(f.Body))
				}
			}
		})
	}
}

func TestSingleStreamContainer(t *testing.T) {
	body := []byte(strings.Repeat("log line\n", 100))
	h := openFixture(t, "server.log.gz", func(p string) {
		archivetest.WriteStream(t, p, compress.Gzip, body)
	})
	if h.Format() != "stream" {
		t.Fatalf("format = %q", h.Format())
	}
	root, err := h.List("")
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	if len(root) != 1 || root[0].Path != "server.log" {
		t.Fatalf("root = %+v", root)
	}
	if root[0].Size != int64(len(body)) {
		t.Fatalf("size = %d, want %d", root[0].Size, len(body))
	}
	rc, _, err := h.OpenEntry(context.Background(), "server.log")
	if err != nil {
		t.Fatalf("OpenEntry error = %v", err)
	}
	defer rc.Close() //nolint:errcheck
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll error = %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("content mismatch")
	}
}

func TestTarLinksAndXattrs(t *testing.T) {
	h := openFixture(t, "links.tar", func(p string) {
		archivetest.WriteTar(t, p, compress.None, []archivetest.File{
			{Name: "data.txt", Body: "payload", PAX: map[string]string{"SCHILY.xattr.user.tag": "blue"}},
			{Name: "hard.txt", Linkname: "data.txt", Hardlink: true},
			{Name: "soft.txt", Linkname: "data.txt"},
		})
	})
	data, err := h.Stat("data.txt")
	if err != nil {
		t.Fatalf("Stat error = %v", err)
	}
	if string(data.Xattrs["user.tag"]) != "blue" {
		t.Fatalf("xattrs = %v", data.Xattrs)
	}
	hard, err := h.Stat("hard.txt")
	if err != nil {
		t.Fatalf("Stat error = %v", err)
	}
	if hard.Size != int64(len("payload")) {
		t.Fatalf("hard link size = %d", hard.Size)
	}
	rc, _, err := h.OpenEntry(context.Background(), "hard.txt")
	if err != nil {
		t.Fatalf("OpenEntry error = %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "payload" {
		t.Fatalf("hard link content = %q", got)
	}
	soft, err := h.Stat("soft.txt")
	if err != nil {
		t.Fatalf("Stat error = %v", err)
	}
	if !soft.IsSymlink() || soft.Linkname != "data.txt" {
		t.Fatalf("soft = %+v", soft)
	}
}

func TestStatAndListErrors(t *testing.T) {
	h := openFixture(t, "e.zip", func(p string) {
		archivetest.WriteZip(t, p, []archivetest.File{{Name: "a.txt", Body: "a"}})
	})
	if _, err := h.Stat("missing"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("Stat(missing) error = %v", err)
	}
	if _, err := h.List("missing"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("List(missing) error = %v", err)
	}
	if _, err := h.List("a.txt"); !errors.Is(err, archive.ErrNotDir) {
		t.Fatalf("List(file) error = %v", err)
	}
	if _, _, err := h.OpenEntry(context.Background(), ""); err == nil {
		t.Fatalf("expected error opening root")
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	acc := archive.NewAccessor(archive.Options{})

	junk := filepath.Join(dir, "junk.bin")
	if err := os.WriteFile(junk, []byte("definitely not an archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := acc.Open(context.Background(), junk)
	var oe *archive.OpenError
	if !errors.As(err, &oe) || oe.Kind != archive.UnsupportedFormat {
		t.Fatalf("junk error = %v", err)
	}
	if !errors.Is(err, archive.ErrUnsupportedFormat) {
		t.Fatalf("junk should match ErrUnsupportedFormat")
	}

	bad := filepath.Join(dir, "bad.zip")
	if err := os.WriteFile(bad, append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0xff}, 64)...), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = acc.Open(context.Background(), bad)
	if !errors.Is(err, archive.ErrCorrupt) {
		t.Fatalf("bad zip error = %v", err)
	}

	_, err = acc.Open(context.Background(), filepath.Join(dir, "missing.zip"))
	if !errors.As(err, &oe) || oe.Kind != archive.IoError || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing error = %v", err)
	}
}

func TestCloseInvalidatesHandle(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.zip")
	archivetest.WriteZip(t, p, []archivetest.File{{Name: "a.txt", Body: "alpha"}})
	acc := archive.NewAccessor(archive.Options{})
	h, err := acc.Open(context.Background(), p)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	kept, err := h.Stat("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := acc.Close(h); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := acc.Close(h); err != nil {
		t.Fatalf("second Close error = %v", err)
	}
	if _, err := h.List(""); !errors.Is(err, archive.ErrHandleInvalidated) {
		t.Fatalf("List after close error = %v", err)
	}
	if _, _, err := h.OpenEntry(context.Background(), "a.txt"); !errors.Is(err, archive.ErrHandleInvalidated) {
		t.Fatalf("OpenEntry after close error = %v", err)
	}
	if kept.Path != "a.txt" || kept.Size != 5 {
		t.Fatalf("copied entry fields changed: %+v", kept)
	}
}

func TestCloseWaitsForInFlightReader(t *testing.T) {
	p := filepath.Join(t.TempDir(), "w.zip")
	archivetest.WriteZip(t, p, []archivetest.File{{Name: "a.txt", Body: "alpha"}})
	acc := archive.NewAccessor(archive.Options{})
	h, err := acc.Open(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	rc, _, err := h.OpenEntry(context.Background(), "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- h.Close() }()

	deadline := time.Now().Add(5 * time.Second)
	for h.Valid() {
		if time.Now().After(deadline) {
			t.Fatalf("handle never invalidated")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := rc.Read(make([]byte, 8)); !errors.Is(err, archive.ErrHandleInvalidated) {
		t.Fatalf("Read after close error = %v", err)
	}
	select {
	case <-done:
		t.Fatalf("Close returned while a reader was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	_ = rc.Close()
	if err := <-done; err != nil {
		t.Fatalf("Close error = %v", err)
	}
}

func TestReadsAreSerializedPerHandle(t *testing.T) {
	h := openFixture(t, "s.zip", func(p string) {
		archivetest.WriteZip(t, p, []archivetest.File{{Name: "a.txt", Body: "a"}, {Name: "b.txt", Body: "b"}})
	})
	first, _, err := h.OpenEntry(context.Background(), "a.txt")
	if err != nil {
		t.Fatal(err)
	}

	// Listing does not wait for the read slot.
	if _, err := h.List(""); err != nil {
		t.Fatalf("List during read error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, err := h.OpenEntry(ctx, "b.txt"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second OpenEntry error = %v, want deadline exceeded", err)
	}
	_ = first.Close()

	second, _, err := h.OpenEntry(context.Background(), "b.txt")
	if err != nil {
		t.Fatalf("OpenEntry after release error = %v", err)
	}
	_ = second.Close()
}

func TestOpenAsync(t *testing.T) {
	p := filepath.Join(t.TempDir(), "async.zip")
	archivetest.WriteZip(t, p, []archivetest.File{{Name: "a.txt", Body: "a"}})
	acc := archive.NewAccessor(archive.Options{})
	res := <-acc.OpenAsync(context.Background(), p)
	if res.Err != nil {
		t.Fatalf("OpenAsync error = %v", res.Err)
	}
	if got, ok := acc.Handle(res.Handle.ID()); !ok || got != res.Handle {
		t.Fatalf("handle not tracked")
	}
	if err := acc.CloseAll(); err != nil {
		t.Fatalf("CloseAll error = %v", err)
	}
	if res.Handle.Valid() {
		t.Fatalf("handle still valid after CloseAll")
	}
}
