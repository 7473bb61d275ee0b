package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/islishude/inxcore/internal/archive"
	"github.com/islishude/inxcore/internal/cli"
	"github.com/islishude/inxcore/internal/engine"
	"github.com/islishude/inxcore/internal/locator"
)

var errAborted = errors.New("extraction aborted")

func (r *Runner) runExtract(ctx context.Context, opts cli.Options) (int, error) {
	policy, err := engine.ParseConflictPolicy(opts.Conflict)
	if err != nil {
		return 0, err
	}
	excludes, err := loadExcludePatterns(opts.Exclude, opts.ExcludeFrom)
	if err != nil {
		return 0, err
	}
	h, err := r.archives.Open(ctx, opts.Container)
	if err != nil {
		return 0, err
	}

	selected := opts.Members
	if len(selected) == 0 && locator.CleanVirtual(opts.Dir) != "" {
		selected = []string{opts.Dir}
	}
	if len(excludes) > 0 {
		if selected, err = selectEntries(h, selected, excludes); err != nil {
			return 0, err
		}
		if len(selected) == 0 {
			return 0, nil
		}
	}

	job, err := r.engine.Start(ctx, engine.Request{
		Handle:      h,
		Entries:     selected,
		Destination: opts.Chdir,
		Conflict:    policy,
		BaseDir:     opts.Dir,
	})
	if err != nil {
		return 0, err
	}
	for ev := range job.Events() {
		if ev.Kind != engine.EventOutcome {
			continue
		}
		o := ev.Outcome
		switch o.Status {
		case engine.Failed:
			_, _ = fmt.Fprintf(r.stderr, "inx: %s\n", o)
		case engine.Succeeded:
			if opts.Verbose {
				_, _ = fmt.Fprintln(r.stdout, o.Entry)
			}
		case engine.Skipped:
			if opts.Verbose {
				_, _ = fmt.Fprintf(r.stdout, "%s (skipped: %s)\n", o.Entry, o.Reason)
			}
		}
	}
	report := job.Wait()
	sum := report.Summary()
	if opts.Verbose {
		_, _ = fmt.Fprintf(r.stdout, "%s, %d bytes\n", sum, sum.Bytes)
	}
	switch {
	case report.Cancelled:
		if err := ctx.Err(); err != nil {
			return sum.Failed, err
		}
		return sum.Failed, context.Canceled
	case report.Aborted:
		return sum.Failed, fmt.Errorf("%w: %s", errAborted, sum)
	}
	return sum.Failed, nil
}

// selectEntries expands roots ("" is the whole container) into the entries
// to extract once excluded paths are removed. Directories are kept only when
// nothing below them is selected, since selecting a directory selects its
// whole subtree.
func selectEntries(h *archive.Handle, roots []string, excludes []string) ([]string, error) {
	if len(roots) == 0 {
		roots = []string{""}
	}
	var out []string
	seen := make(map[string]bool)
	for _, root := range roots {
		root = locator.CleanVirtual(root)
		var candidates []archive.Entry
		if root == "" {
			all, err := h.Entries()
			if err != nil {
				return nil, err
			}
			candidates = all
		} else {
			e, err := h.Stat(root)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, e)
			if e.IsDir {
				sub, err := h.Descendants(root)
				if err != nil {
					return nil, err
				}
				candidates = append(candidates, sub...)
			}
		}

		kept := make(map[string]bool)
		for _, e := range candidates {
			if !isExcluded(excludes, e.Path) {
				kept[e.Path] = true
			}
		}
		hasChild := make(map[string]bool)
		for p := range kept {
			for parent := path.Dir(p); parent != "." && parent != "/"; parent = path.Dir(parent) {
				hasChild[parent] = true
			}
		}
		for _, e := range candidates {
			if !kept[e.Path] || seen[e.Path] || (e.IsDir && hasChild[e.Path]) {
				continue
			}
			seen[e.Path] = true
			out = append(out, e.Path)
		}
	}
	return out, nil
}

// isExcluded reports whether p, or any directory above it, matches a
// pattern by full path or by name.
func isExcluded(patterns []string, p string) bool {
	parts := strings.Split(p, "/")
	for i := range parts {
		if matchExclude(patterns, parts[i]) || matchExclude(patterns, strings.Join(parts[:i+1], "/")) {
			return true
		}
	}
	return false
}

func loadExcludePatterns(inline []string, files []string) ([]string, error) {
	out := append([]string(nil), inline...)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		for line := range strings.SplitSeq(string(b), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
	}
	return out, nil
}

func matchExclude(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
