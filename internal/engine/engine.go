package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/islishude/inxcore/internal/archive"
	"github.com/islishude/inxcore/internal/locator"
	"github.com/islishude/inxcore/internal/storage"
	localstore "github.com/islishude/inxcore/internal/storage/local"
)

const (
	DefaultChunkSize   = 256 * 1024
	DefaultMaxJobs     = 2
	DefaultEventBuffer = 64

	maxRenameAttempts = 10000
)

// SinkResolver turns a destination reference into a sink.
type SinkResolver func(ctx context.Context, dest locator.Ref) (storage.Sink, error)

type Options struct {
	ChunkSize   int
	MaxJobs     int
	EventBuffer int
	Log         zerolog.Logger
	// Resolve handles destinations that are not local directories.
	Resolve SinkResolver
}

// Request asks for entries of an open container to be written to a
// destination.
type Request struct {
	Handle *archive.Handle
	// Entries are virtual paths. A directory selects itself and every entry
	// below it. No entries selects the whole container.
	Entries []string
	// Destination is a local directory or an s3://bucket/prefix.
	Destination string
	Conflict    ConflictPolicy
	// BaseDir is the virtual directory destination names are relative to.
	BaseDir string
	// Sink overrides Destination.
	Sink storage.Sink
}

// Engine runs extraction jobs in the background. At most MaxJobs run at
// once; later jobs wait for a slot.
type Engine struct {
	opts  Options
	slots *semaphore.Weighted
	next  atomic.Uint64

	mu   sync.Mutex
	jobs map[uint64]*Job
}

func New(opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = DefaultMaxJobs
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	return &Engine{
		opts:  opts,
		slots: semaphore.NewWeighted(int64(opts.MaxJobs)),
		jobs:  make(map[uint64]*Job),
	}
}

// Start validates req and returns immediately with a running job. It fails
// with archive.ErrHandleInvalidated if the handle is closed and with
// archive.ErrNotFound if a requested entry does not exist.
func (e *Engine) Start(ctx context.Context, req Request) (*Job, error) {
	if req.Handle == nil || !req.Handle.Valid() {
		return nil, archive.ErrHandleInvalidated
	}
	plan, err := planEntries(req)
	if err != nil {
		return nil, err
	}
	sink := req.Sink
	if sink == nil {
		if sink, err = e.resolve(ctx, req.Destination); err != nil {
			return nil, err
		}
	}

	jctx, cancel := context.WithCancel(ctx)
	j := &Job{
		id:     e.next.Add(1),
		req:    req,
		plan:   plan,
		sink:   sink,
		chunk:  e.opts.ChunkSize,
		events: newEventQueue(e.opts.EventBuffer),
		ctx:    jctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    e.opts.Log,
	}
	context.AfterFunc(jctx, j.events.wake)
	e.mu.Lock()
	e.jobs[j.id] = j
	e.mu.Unlock()

	go j.events.forward()
	go e.run(j)
	return j, nil
}

// Cancel requests cancellation of a running job by id.
func (e *Engine) Cancel(id uint64) bool {
	j, ok := e.Job(id)
	if ok {
		j.Cancel()
	}
	return ok
}

func (e *Engine) Job(id uint64) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

func (e *Engine) resolve(ctx context.Context, dest string) (storage.Sink, error) {
	if strings.TrimSpace(dest) == "" {
		dest = "."
	}
	ref, err := locator.Parse(dest)
	if err != nil {
		return nil, err
	}
	switch ref.Kind {
	case locator.KindLocal:
		return localstore.New(ref.Path), nil
	default:
		if e.opts.Resolve == nil {
			return nil, fmt.Errorf("unsupported extract destination %q", dest)
		}
		return e.opts.Resolve(ctx, ref)
	}
}

func (e *Engine) forget(j *Job) {
	e.mu.Lock()
	delete(e.jobs, j.id)
	e.mu.Unlock()
}

func (e *Engine) run(j *Job) {
	report := Report{Job: j.id, Outcomes: make([]Outcome, 0, len(j.plan))}
	if err := e.slots.Acquire(j.ctx, 1); err != nil {
		for _, ent := range j.plan {
			report.Outcomes = append(report.Outcomes, j.emitOutcome(skipped(ent.Path, ReasonCancelled)))
		}
		report.Cancelled = true
		e.forget(j)
		j.finish(report)
		return
	}
	defer e.slots.Release(1)

	j.log.Info().Uint64("job", j.id).Str("container", j.req.Handle.Path()).Int("entries", len(j.plan)).Msg("extraction started")
	for _, ent := range j.plan {
		var o Outcome
		switch {
		case report.Aborted:
			o = failed(ent.Path, FailAborted, nil)
		case j.ctx.Err() != nil:
			report.Cancelled = true
			o = skipped(ent.Path, ReasonCancelled)
		default:
			o = j.extract(ent)
			switch {
			case o.Status == Skipped && o.Reason == ReasonCancelled:
				report.Cancelled = true
			case o.Status == Failed && o.Kind == FailAborted:
				report.Aborted = true
			case o.Status == Failed && isNoSpace(o.Err):
				report.Aborted = true
			}
		}
		if o.Status == Failed && o.Err != nil {
			j.log.Warn().Uint64("job", j.id).Str("entry", o.Entry).Str("kind", o.Kind.String()).Err(o.Err).Msg("entry failed")
		}
		report.Outcomes = append(report.Outcomes, j.emitOutcome(o))
	}
	sum := report.Summary()
	j.log.Info().Uint64("job", j.id).Int("succeeded", sum.Succeeded).Int("skipped", sum.Skipped).Int("failed", sum.Failed).Msg("extraction finished")
	e.forget(j)
	j.finish(report)
}

// planEntries expands the request into the ordered, de-duplicated list of
// entries to write.
func planEntries(req Request) ([]archive.Entry, error) {
	var (
		plan []archive.Entry
		seen = make(map[string]bool)
	)
	add := func(e archive.Entry) {
		if !seen[e.Path] {
			seen[e.Path] = true
			plan = append(plan, e)
		}
	}
	if len(req.Entries) == 0 {
		all, err := req.Handle.Entries()
		if err != nil {
			return nil, err
		}
		for _, e := range all {
			add(e)
		}
		return plan, nil
	}
	for _, p := range req.Entries {
		if locator.CleanVirtual(p) == "" {
			all, err := req.Handle.Entries()
			if err != nil {
				return nil, err
			}
			for _, d := range all {
				add(d)
			}
			continue
		}
		e, err := req.Handle.Stat(p)
		if err != nil {
			return nil, err
		}
		add(e)
		if e.IsDir {
			desc, err := req.Handle.Descendants(e.Path)
			if err != nil {
				return nil, err
			}
			for _, d := range desc {
				add(d)
			}
		}
	}
	return plan, nil
}

// Job is one running extraction. Progress waits for the consumer once
// EventBuffer events are pending, but a cancelled job runs to completion
// whether or not its events are drained.
type Job struct {
	id    uint64
	req   Request
	plan  []archive.Entry
	sink  storage.Sink
	chunk int
	log   zerolog.Logger

	events *eventQueue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	report Report
}

func (j *Job) ID() uint64 { return j.id }

// Events delivers progress and outcome events, then one EventDone, then is
// closed. Events are held for the consumer until read.
func (j *Job) Events() <-chan Event { return j.events.out }

// Cancel asks the job to stop at the next chunk boundary. It is safe to
// call at any time and more than once.
func (j *Job) Cancel() { j.cancel() }

func (j *Job) Done() <-chan struct{} { return j.done }

// Wait drains the remaining events and returns the final report.
func (j *Job) Wait() Report {
	for range j.events.out {
	}
	<-j.done
	return j.report
}

func (j *Job) Report() (Report, bool) {
	select {
	case <-j.done:
		return j.report, true
	default:
		return Report{}, false
	}
}

func (j *Job) finish(r Report) {
	j.report = r
	j.events.push(Event{Kind: EventDone, Job: j.id, Report: &r})
	j.events.close()
	j.cancel()
	close(j.done)
}

func (j *Job) emitOutcome(o Outcome) Outcome {
	j.events.push(Event{Kind: EventOutcome, Job: j.id, Entry: o.Entry, Outcome: o})
	return o
}

func (j *Job) emitProgress(entry string, written, total int64) {
	j.events.progress(j.ctx, Event{Kind: EventProgress, Job: j.id, Entry: entry, Written: written, Total: total})
}

func (j *Job) destName(p string) string {
	base := locator.CleanVirtual(j.req.BaseDir)
	if base != "" {
		if p == base {
			return ""
		}
		if rel, ok := strings.CutPrefix(p, base+"/"); ok {
			return rel
		}
	}
	return p
}

func (j *Job) extract(e archive.Entry) Outcome {
	name := j.destName(e.Path)
	opts := storage.CreateOptions{
		Overwrite: j.req.Conflict == Overwrite,
		Mode:      e.Mode,
		ModTime:   e.ModTime,
		Xattrs:    e.Xattrs,
	}
	if meta, ok := archive.ObjectMetadata(e); ok {
		opts.Metadata = meta
	} else {
		j.log.Warn().Str("entry", e.Path).Msg("metadata exceeds object metadata limit, dropped")
	}

	switch {
	case e.IsDir:
		if err := j.sink.Mkdir(j.ctx, name); err != nil {
			return failed(e.Path, sinkFailure(err), err)
		}
		return succeeded(e.Path, name, 0)
	case e.IsSymlink():
		dest, err := j.withConflict(name, func(n string, o storage.CreateOptions) error {
			return j.sink.Symlink(j.ctx, n, e.Linkname, o)
		}, opts)
		if errors.Is(err, storage.ErrExists) && j.req.Conflict == Skip {
			return skipped(e.Path, ReasonExists)
		}
		if err != nil {
			return failed(e.Path, sinkFailure(err), err)
		}
		return succeeded(e.Path, dest, 0)
	}

	rc, _, err := j.req.Handle.OpenEntry(j.ctx, e.Path)
	if err != nil {
		return j.sourceFailure(e.Path, err)
	}
	defer rc.Close() //nolint:errcheck

	var w storage.Writer
	_, err = j.withConflict(name, func(n string, o storage.CreateOptions) error {
		var cerr error
		w, cerr = j.sink.Create(j.ctx, n, o)
		return cerr
	}, opts)
	if errors.Is(err, storage.ErrExists) && j.req.Conflict == Skip {
		return skipped(e.Path, ReasonExists)
	}
	if err != nil {
		return failed(e.Path, sinkFailure(err), err)
	}

	n, err := j.copy(w, rc, e)
	if err != nil {
		if aerr := w.Abort(); aerr != nil {
			j.log.Debug().Err(aerr).Str("destination", w.Location()).Msg("abort partial entry")
		}
		if j.ctx.Err() != nil {
			return skipped(e.Path, ReasonCancelled)
		}
		var we *writeError
		if errors.As(err, &we) {
			return failed(e.Path, FailIO, we.err)
		}
		return j.sourceFailure(e.Path, err)
	}
	if err := w.Commit(); err != nil {
		if j.ctx.Err() != nil {
			return skipped(e.Path, ReasonCancelled)
		}
		return failed(e.Path, FailIO, err)
	}
	return succeeded(e.Path, w.Location(), n)
}

// withConflict applies the job's conflict policy around one create attempt
// and returns the name that was used.
func (j *Job) withConflict(name string, create func(string, storage.CreateOptions) error, opts storage.CreateOptions) (string, error) {
	err := create(name, opts)
	if j.req.Conflict != Rename || !errors.Is(err, storage.ErrExists) {
		return name, err
	}
	for i := 1; i <= maxRenameAttempts; i++ {
		candidate := numberedName(name, i)
		err = create(candidate, opts)
		if !errors.Is(err, storage.ErrExists) {
			return candidate, err
		}
	}
	return name, fmt.Errorf("no free name for %s: %w", name, err)
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// copy streams src into w one chunk at a time. Cancellation is only
// observed between chunks.
func (j *Job) copy(w io.Writer, src io.Reader, e archive.Entry) (int64, error) {
	buf := make([]byte, j.chunk)
	var written int64
	for {
		if err := j.ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, &writeError{err: err}
			}
			written += int64(n)
			j.emitProgress(e.Path, written, e.Size)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}

func (j *Job) sourceFailure(entry string, err error) Outcome {
	switch {
	case j.ctx.Err() != nil:
		return skipped(entry, ReasonCancelled)
	case errors.Is(err, archive.ErrHandleInvalidated):
		return failed(entry, FailAborted, err)
	case isPathError(err):
		return failed(entry, FailIO, err)
	default:
		return failed(entry, FailCorrupt, err)
	}
}

func sinkFailure(err error) FailureKind {
	if errors.Is(err, storage.ErrExists) || errors.Is(err, storage.ErrUnsafePath) {
		return FailDestinationConflict
	}
	return FailIO
}

func isPathError(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe)
}

func isNoSpace(err error) bool {
	return err != nil && errors.Is(err, syscall.ENOSPC)
}

// numberedName inserts " (n)" before the extension of name. ".tar.*"
// suffixes are kept together and hidden names keep their leading dot.
func numberedName(name string, n int) string {
	dir, file := path.Split(name)
	ext := path.Ext(file)
	// don't split a hidden name
	if ext == file {
		ext = ""
	}
	if ext != "" && strings.HasSuffix(file, ".tar"+ext) && file != ".tar"+ext {
		ext = ".tar" + ext
	}
	return fmt.Sprintf("%s%s (%d)%s", dir, strings.TrimSuffix(file, ext), n, ext)
}
