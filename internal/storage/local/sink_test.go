package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/islishude/inxcore/internal/storage"
)

func TestSafeJoinBlocksTraversal(t *testing.T) {
	_, err := SafeJoin("/tmp/out", "../../etc/passwd")
	if !errors.Is(err, storage.ErrUnsafePath) {
		t.Fatalf("expected traversal error, got %v", err)
	}
}

func TestSafeJoinNormal(t *testing.T) {
	p, err := SafeJoin("/tmp/out", "dir/file.txt")
	if err != nil {
		t.Fatalf("SafeJoin error = %v", err)
	}
	want := filepath.Clean("/tmp/out/dir/file.txt")
	if p != want {
		t.Fatalf("path = %q, want %q", p, want)
	}
}

func TestSafeSymlinkTarget(t *testing.T) {
	base := "/tmp/out"
	if err := safeSymlinkTarget(base, "/tmp/out/a/link", "../b.txt"); err != nil {
		t.Fatalf("relative inside base rejected: %v", err)
	}
	if err := safeSymlinkTarget(base, "/tmp/out/a/link", "../../etc/passwd"); err == nil {
		t.Fatalf("expected escape error")
	}
	if err := safeSymlinkTarget(base, "/tmp/out/link", "/etc/passwd"); err != nil {
		t.Fatalf("absolute targets resolve inside base: %v", err)
	}
}

func TestSafeSymlinkTargetFollowsExistingLinks(t *testing.T) {
	base := filepath.Join(t.TempDir(), "root")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(".", filepath.Join(base, "a")); err != nil {
		t.Fatal(err)
	}
	err := safeSymlinkTarget(base, filepath.Join(base, "b"), "a/..")
	if !errors.Is(err, storage.ErrUnsafePath) {
		t.Fatalf("chained link error = %v, want ErrUnsafePath", err)
	}
	if err := safeSymlinkTarget(base, filepath.Join(base, "c"), "a/a/x.txt"); err != nil {
		t.Fatalf("link inside base rejected: %v", err)
	}
	if err := os.Symlink("..", filepath.Join(base, "up")); err != nil {
		t.Fatal(err)
	}
	err = safeSymlinkTarget(base, filepath.Join(base, "up", "d"), "x.txt")
	if !errors.Is(err, storage.ErrUnsafePath) {
		t.Fatalf("link below escaping parent error = %v, want ErrUnsafePath", err)
	}
}

func TestCreateRefusesLinkedParentOutsideRoot(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "root")
	outside := filepath.Join(dir, "outside")
	for _, d := range []string{base, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(base, "out")); err != nil {
		t.Fatal(err)
	}
	s := New(base)
	if _, err := s.Create(context.Background(), "out/x.txt", storage.CreateOptions{}); !errors.Is(err, storage.ErrUnsafePath) {
		t.Fatalf("Create error = %v, want ErrUnsafePath", err)
	}
	if err := s.Mkdir(context.Background(), "out/sub"); !errors.Is(err, storage.ErrUnsafePath) {
		t.Fatalf("Mkdir error = %v, want ErrUnsafePath", err)
	}
	entries, _ := os.ReadDir(outside)
	if len(entries) != 0 {
		t.Fatalf("wrote %d entries outside root", len(entries))
	}
}

func TestCreateCommitAppliesModTime(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	mod := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	w, err := s.Create(context.Background(), "nested/a.txt", storage.CreateOptions{ModTime: mod})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit error = %v", err)
	}
	st, err := os.Stat(filepath.Join(root, "nested", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !st.ModTime().Equal(mod) {
		t.Fatalf("modtime = %v, want %v", st.ModTime(), mod)
	}
}

func TestCreateRespectsOverwrite(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("old content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(context.Background(), "a.txt", storage.CreateOptions{}); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("Create without overwrite error = %v", err)
	}
	w, err := s.Create(context.Background(), "a.txt", storage.CreateOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("Create with overwrite error = %v", err)
	}
	_, _ = w.Write([]byte("new"))
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(target)
	if string(b) != "new" {
		t.Fatalf("content = %q", b)
	}
}

func TestCreateRefusesDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := New(root).Create(context.Background(), "d", storage.CreateOptions{Overwrite: true})
	if !errors.Is(err, storage.ErrExists) {
		t.Fatalf("error = %v", err)
	}
}

func TestAbortRemovesPartialFile(t *testing.T) {
	root := t.TempDir()
	w, err := New(root).Create(context.Background(), "partial.bin", storage.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte("half"))
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "partial.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial file left behind: %v", err)
	}
}

func TestMkdirOverFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "x"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := New(root).Mkdir(context.Background(), "x"); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("Mkdir error = %v", err)
	}
}
