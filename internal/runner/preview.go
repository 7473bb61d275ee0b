package runner

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"path"
	"path/filepath"

	"github.com/islishude/inxcore/internal/archive"
	"github.com/islishude/inxcore/internal/cli"
	"github.com/islishude/inxcore/internal/locator"
	"github.com/islishude/inxcore/internal/preview"
	"github.com/islishude/inxcore/internal/storage"
)

func (r *Runner) newGenerator() *preview.Generator {
	return preview.New(preview.Options{
		Workers:        r.cfg.PreviewWorkers,
		Cache:          preview.NewCache(r.cfg.PreviewCacheBytes, r.log),
		Decoders:       preview.DefaultDecoders(r.cfg.FFmpeg, r.cfg.PDFToPPM, r.cfg.PreviewMaxPixels),
		MaxMemberBytes: r.cfg.PreviewMemberBytes,
		SpillDir:       r.cfg.SpillDir,
		Log:            r.log,
	})
}

// runPreview renders every member. Members are entry paths when a container
// is given, otherwise local files or container!/entry references.
func (r *Runner) runPreview(ctx context.Context, opts cli.Options) (int, error) {
	var out storage.Sink
	if opts.Output != "" {
		s, err := r.sink(ctx, opts.Output)
		if err != nil {
			return 0, err
		}
		out = s
	}
	var container *archive.Handle
	if opts.Container != "" {
		h, err := r.archives.Open(ctx, opts.Container)
		if err != nil {
			return 0, err
		}
		container = h
	}

	gen := r.newGenerator()
	defer gen.Close()

	warnings := 0
	var names []string
	var reqs []preview.Request
	for _, m := range opts.Members {
		src, err := r.previewSource(ctx, container, m)
		if err != nil {
			_, _ = fmt.Fprintf(r.stderr, "inx: %s: %v\n", m, err)
			warnings++
			continue
		}
		names = append(names, m)
		reqs = append(reqs, preview.Request{Source: src, Width: opts.Size, Height: opts.Size})
	}
	results, err := gen.Batch(ctx, reqs)
	if err != nil {
		return warnings, err
	}

	for i, res := range results {
		name := names[i]
		switch res.Status {
		case preview.StatusOK:
			dest := ""
			if out != nil {
				if dest, err = writePNG(ctx, out, thumbnailName(name), res); err != nil {
					_, _ = fmt.Fprintf(r.stderr, "inx: %s: %v\n", name, err)
					warnings++
					continue
				}
			}
			r.log.Debug().Str("source", name).Dur("elapsed", res.Elapsed).Bool("cached", res.Cached).Msg("preview rendered")
			if dest != "" {
				_, _ = fmt.Fprintf(r.stdout, "%s: %s -> %s\n", name, res, dest)
			} else {
				_, _ = fmt.Fprintf(r.stdout, "%s: %s\n", name, res)
			}
		case preview.StatusFallback:
			_, _ = fmt.Fprintf(r.stdout, "%s: %s\n", name, res)
		case preview.StatusCancelled:
			return warnings, context.Canceled
		default:
			_, _ = fmt.Fprintf(r.stderr, "inx: %s: %s\n", name, res)
			warnings++
		}
	}
	return warnings, nil
}

func (r *Runner) previewSource(ctx context.Context, container *archive.Handle, member string) (preview.Source, error) {
	if container != nil {
		return preview.Source{Handle: container, Path: member}, nil
	}
	ref, err := locator.Parse(member)
	if err != nil {
		return preview.Source{}, err
	}
	switch ref.Kind {
	case locator.KindLocal:
		return preview.Source{Path: ref.Path}, nil
	case locator.KindMember:
		h, err := r.archives.Open(ctx, ref.Container.Raw)
		if err != nil {
			return preview.Source{}, err
		}
		return preview.Source{Handle: h, Path: ref.Entry}, nil
	default:
		return preview.Source{}, errors.New("remote objects can only be previewed as container entries")
	}
}

func thumbnailName(member string) string {
	if ref, err := locator.Parse(member); err == nil && ref.Kind == locator.KindMember {
		member = ref.Entry
	}
	return path.Base(filepath.ToSlash(member)) + ".png"
}

func writePNG(ctx context.Context, sink storage.Sink, name string, res preview.Result) (string, error) {
	w, err := sink.Create(ctx, name, storage.CreateOptions{Overwrite: true, Mode: 0o644})
	if err != nil {
		return "", err
	}
	if err := png.Encode(w, res.Image); err != nil {
		_ = w.Abort()
		return "", err
	}
	if err := w.Commit(); err != nil {
		return "", err
	}
	return w.Location(), nil
}
