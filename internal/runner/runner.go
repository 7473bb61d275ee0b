// Package runner drives the core components from parsed command-line
// options.
package runner

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/islishude/inxcore/internal/archive"
	"github.com/islishude/inxcore/internal/cli"
	"github.com/islishude/inxcore/internal/config"
	"github.com/islishude/inxcore/internal/engine"
	"github.com/islishude/inxcore/internal/locator"
	"github.com/islishude/inxcore/internal/storage"
	localstore "github.com/islishude/inxcore/internal/storage/local"
	s3store "github.com/islishude/inxcore/internal/storage/s3"
)

const (
	ExitSuccess = 0
	ExitWarning = 1
	ExitFatal   = 2
)

type Runner struct {
	cfg    config.Config
	log    zerolog.Logger
	stdout io.Writer
	stderr io.Writer

	// s3 is created on first use so local-only runs need no AWS
	// configuration.
	s3       func() (*s3store.Store, error)
	archives *archive.Accessor
	engine   *engine.Engine
}

type RunResult struct {
	ExitCode int
	Err      error
}

func New(ctx context.Context, cfg config.Config, log zerolog.Logger, stdout, stderr io.Writer) *Runner {
	r := &Runner{cfg: cfg, log: log, stdout: stdout, stderr: stderr}
	r.s3 = sync.OnceValues(func() (*s3store.Store, error) {
		s, err := s3store.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("init s3: %w", err)
		}
		return s, nil
	})
	r.archives = archive.NewAccessor(archive.Options{
		Fetcher:  s3Fetcher(r.s3),
		SpillDir: cfg.SpillDir,
		Log:      log,
	})
	r.engine = engine.New(engine.Options{
		ChunkSize:   cfg.ChunkSize,
		MaxJobs:     cfg.ExtractJobs,
		EventBuffer: cfg.EventBuffer,
		Log:         log,
		Resolve:     r.remoteSink,
	})
	return r
}

func (r *Runner) Run(ctx context.Context, opts cli.Options) RunResult {
	defer func() {
		if err := r.archives.CloseAll(); err != nil {
			r.log.Warn().Err(err).Msg("closing containers")
		}
	}()
	switch opts.Mode {
	case cli.ModeList:
		warnings, err := r.runList(ctx, opts)
		return classifyResult(err, warnings)
	case cli.ModeStat:
		warnings, err := r.runStat(ctx, opts)
		return classifyResult(err, warnings)
	case cli.ModeExtract:
		warnings, err := r.runExtract(ctx, opts)
		return classifyResult(err, warnings)
	case cli.ModePreview:
		warnings, err := r.runPreview(ctx, opts)
		return classifyResult(err, warnings)
	default:
		return RunResult{ExitCode: ExitFatal, Err: fmt.Errorf("unsupported mode %q", opts.Mode)}
	}
}

func classifyResult(err error, warnings int) RunResult {
	if err != nil {
		return RunResult{ExitCode: ExitFatal, Err: err}
	}
	if warnings > 0 {
		return RunResult{ExitCode: ExitWarning}
	}
	return RunResult{ExitCode: ExitSuccess}
}

// sink resolves a local directory or S3 prefix for writing.
func (r *Runner) sink(ctx context.Context, dest string) (storage.Sink, error) {
	ref, err := locator.Parse(dest)
	if err != nil {
		return nil, err
	}
	if ref.Kind == locator.KindLocal {
		return localstore.New(ref.Path), nil
	}
	return r.remoteSink(ctx, ref)
}

func (r *Runner) remoteSink(_ context.Context, ref locator.Ref) (storage.Sink, error) {
	if ref.Kind != locator.KindS3 {
		return nil, fmt.Errorf("unsupported destination %q", ref.Raw)
	}
	s, err := r.s3()
	if err != nil {
		return nil, err
	}
	return s.Sink(ref)
}

// s3Fetcher defers creating the S3 client until a remote container is
// opened.
type s3Fetcher func() (*s3store.Store, error)

func (f s3Fetcher) Fetch(ctx context.Context, ref locator.Ref, w io.Writer) (time.Time, error) {
	s, err := f()
	if err != nil {
		return time.Time{}, err
	}
	return s.Fetch(ctx, ref, w)
}
