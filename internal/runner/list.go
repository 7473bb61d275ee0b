package runner

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/islishude/inxcore/internal/archive"
	"github.com/islishude/inxcore/internal/cli"
)

// runList prints the children of --dir, or the named entries when given.
func (r *Runner) runList(ctx context.Context, opts cli.Options) (int, error) {
	h, err := r.archives.Open(ctx, opts.Container)
	if err != nil {
		return 0, err
	}
	if len(opts.Members) == 0 {
		entries, err := h.List(opts.Dir)
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			r.printEntry(e, opts.Verbose)
		}
		return 0, nil
	}

	warnings := 0
	for _, m := range opts.Members {
		e, err := h.Stat(m)
		if err != nil {
			_, _ = fmt.Fprintf(r.stderr, "inx: %v\n", err)
			warnings++
			continue
		}
		if !e.IsDir {
			r.printEntry(e, opts.Verbose)
			continue
		}
		children, err := h.List(e.Path)
		if err != nil {
			return warnings, err
		}
		for _, c := range children {
			r.printEntry(c, opts.Verbose)
		}
	}
	return warnings, nil
}

func (r *Runner) printEntry(e archive.Entry, verbose bool) {
	name := e.Path
	if e.IsDir {
		name += "/"
	}
	if !verbose {
		_, _ = fmt.Fprintln(r.stdout, name)
		return
	}
	if e.IsSymlink() && e.Linkname != "" {
		name += " -> " + e.Linkname
	}
	_, _ = fmt.Fprintf(r.stdout, "%s %10d %s %s\n", entryMode(e), e.Size, e.ModTime.UTC().Format("2006-01-02 15:04"), name)
}

func entryMode(e archive.Entry) fs.FileMode {
	m := e.Mode
	if e.IsDir {
		m |= fs.ModeDir
		if m.Perm() == 0 {
			m |= 0o755
		}
	} else if m.Perm() == 0 {
		m |= 0o644
	}
	return m
}

func (r *Runner) runStat(ctx context.Context, opts cli.Options) (int, error) {
	h, err := r.archives.Open(ctx, opts.Container)
	if err != nil {
		return 0, err
	}
	warnings := 0
	for i, m := range opts.Members {
		e, err := h.Stat(m)
		if err != nil {
			_, _ = fmt.Fprintf(r.stderr, "inx: %v\n", err)
			warnings++
			continue
		}
		if i > 0 {
			_, _ = fmt.Fprintln(r.stdout)
		}
		r.printStat(h, e)
	}
	return warnings, nil
}

func (r *Runner) printStat(h *archive.Handle, e archive.Entry) {
	w := r.stdout
	_, _ = fmt.Fprintf(w, "Path: %s\n", e.Path)
	_, _ = fmt.Fprintf(w, "Container: %s (%s)\n", h.Path(), h.Format())
	kind := "file"
	switch {
	case e.IsDir:
		kind = "directory"
	case e.IsSymlink():
		kind = "symlink"
	}
	if e.Synthesized {
		kind += " (implied)"
	}
	_, _ = fmt.Fprintf(w, "Type: %s\n", kind)
	_, _ = fmt.Fprintf(w, "Mode: %s\n", entryMode(e))
	_, _ = fmt.Fprintf(w, "Size: %d\n", e.Size)
	if e.CompressedSize >= 0 {
		_, _ = fmt.Fprintf(w, "Compressed: %d\n", e.CompressedSize)
	}
	if !e.ModTime.IsZero() {
		_, _ = fmt.Fprintf(w, "Modified: %s\n", e.ModTime.UTC().Format(time.RFC3339))
	}
	if e.Linkname != "" {
		_, _ = fmt.Fprintf(w, "Link: %s\n", e.Linkname)
	}
	if len(e.Xattrs) > 0 {
		keys := make([]string, 0, len(e.Xattrs))
		for k := range e.Xattrs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		_, _ = fmt.Fprintf(w, "Xattrs: %s\n", strings.Join(keys, ", "))
	}
}
