package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/islishude/inxcore/internal/archive"
	"github.com/islishude/inxcore/internal/storage"
)

// Sink writes entries below Root on the local filesystem.
type Sink struct {
	Root string
}

var _ storage.Sink = (*Sink)(nil)

func New(root string) *Sink { return &Sink{Root: root} }

func (s *Sink) Mkdir(_ context.Context, name string) error {
	target, err := SafeJoin(s.Root, name)
	if err != nil {
		return err
	}
	if err := checkResolved(s.Root, target); err != nil {
		return err
	}
	if st, err := os.Lstat(target); err == nil && !st.IsDir() {
		return fmt.Errorf("mkdir %s: %w", target, storage.ErrExists)
	}
	return os.MkdirAll(target, 0o755)
}

func (s *Sink) Create(_ context.Context, name string, opts storage.CreateOptions) (storage.Writer, error) {
	target, err := SafeJoin(s.Root, name)
	if err != nil {
		return nil, err
	}
	if err := checkResolved(s.Root, filepath.Dir(target)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if st, err := os.Lstat(target); err == nil {
		switch {
		case st.IsDir():
			return nil, fmt.Errorf("create %s: %w", target, storage.ErrExists)
		case !opts.Overwrite:
			return nil, fmt.Errorf("create %s: %w", target, storage.ErrExists)
		case st.Mode()&fs.ModeSymlink != 0:
			// Never write through a pre-existing link.
			if err := os.Remove(target); err != nil {
				return nil, err
			}
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !opts.Overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	mode := opts.Mode.Perm()
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, flags, mode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create %s: %w", target, storage.ErrExists)
		}
		return nil, err
	}
	return &fileWriter{f: f, path: target, opts: opts}, nil
}

func (s *Sink) Symlink(_ context.Context, name, linkname string, opts storage.CreateOptions) error {
	target, err := SafeJoin(s.Root, name)
	if err != nil {
		return err
	}
	if err := safeSymlinkTarget(s.Root, target, linkname); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(target); err == nil {
		if !opts.Overwrite {
			return fmt.Errorf("symlink %s: %w", target, storage.ErrExists)
		}
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	return os.Symlink(linkname, target)
}

type fileWriter struct {
	f    *os.File
	path string
	opts storage.CreateOptions
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *fileWriter) Location() string { return w.path }

func (w *fileWriter) Commit() error {
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.path)
		return err
	}
	if !w.opts.ModTime.IsZero() {
		_ = os.Chtimes(w.path, w.opts.ModTime, w.opts.ModTime)
	}
	if len(w.opts.Xattrs) > 0 {
		archive.WriteXattrs(w.path, w.opts.Xattrs)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	return errors.Join(w.f.Close(), os.Remove(w.path))
}

// SafeJoin resolves member below base, refusing results outside base.
func SafeJoin(base, member string) (string, error) {
	base = filepath.Clean(base)
	member = strings.TrimPrefix(member, "/")
	candidate := filepath.Join(base, filepath.FromSlash(member))
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(base, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", storage.ErrUnsafePath, member)
	}
	return candidate, nil
}

// maxLinkHops bounds symlink expansion, matching the usual kernel limit.
const maxLinkHops = 40

// safeSymlinkTarget validates that a symlink's target does not escape the
// extraction base directory. linkname is the raw target from the archive;
// symlinkPath is the absolute path where the symlink will be created.
// Links already on disk are followed, so a chain of individually harmless
// links cannot reach outside base.
func safeSymlinkTarget(base, symlinkPath, linkname string) error {
	if linkname == "" {
		return fmt.Errorf("symlink target is empty")
	}
	root := realPath(base)
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Dir(symlinkPath))
	if err != nil {
		return fmt.Errorf("refusing symlink: cannot compute relative path: %w", err)
	}
	hops := 0
	parent, err := resolveFrom(root, rel, &hops)
	if err != nil {
		return err
	}
	start, target := parent, filepath.FromSlash(linkname)
	if filepath.IsAbs(target) {
		// Absolute symlink targets are resolved within the base directory.
		start = root
		target = strings.TrimLeft(target[len(filepath.VolumeName(target)):], string(filepath.Separator))
	}
	resolved, err := resolveFrom(start, target, &hops)
	if err != nil {
		return err
	}
	if !within(root, parent) || !within(root, resolved) {
		return fmt.Errorf("%w: symlink %q -> %q", storage.ErrUnsafePath, symlinkPath, linkname)
	}
	return nil
}

// checkResolved fails when target, after following links on disk, is not
// below base.
func checkResolved(base, target string) error {
	root := realPath(base)
	rel, err := filepath.Rel(filepath.Clean(base), target)
	if err != nil {
		return err
	}
	hops := 0
	resolved, err := resolveFrom(root, rel, &hops)
	if err != nil {
		return err
	}
	if !within(root, resolved) {
		return fmt.Errorf("%w: %s resolves to %s", storage.ErrUnsafePath, target, resolved)
	}
	return nil
}

// resolveFrom walks rel one component at a time starting at dir. Existing
// symlinks are expanded the way the kernel would; missing components are
// joined lexically.
func resolveFrom(dir, rel string, hops *int) (string, error) {
	cur := dir
	if filepath.IsAbs(rel) {
		cur = filepath.VolumeName(rel) + string(filepath.Separator)
		rel = rel[len(filepath.VolumeName(rel)):]
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}
		next := filepath.Join(cur, part)
		st, err := os.Lstat(next)
		if err != nil || st.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}
		if *hops++; *hops > maxLinkHops {
			return "", fmt.Errorf("%w: too many links at %s", storage.ErrUnsafePath, next)
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if cur, err = resolveFrom(cur, target, hops); err != nil {
			return "", err
		}
	}
	return cur, nil
}

func realPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
