// Package preview renders thumbnails of files and archive members on a
// bounded pool of workers.
package preview

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/islishude/inxcore/internal/cache"
)

const (
	DefaultWorkers        = 4
	DefaultMaxMemberBytes = 64 << 20
	DefaultMaxPixels      = 100_000_000
)

type Options struct {
	Workers int
	// Cache is optional.
	Cache *cache.Cache[Result]
	// Decoders maps a kind to its backend. Nil selects DefaultDecoders.
	Decoders       map[Kind]Decoder
	MaxMemberBytes int64
	// SpillDir holds temporary copies of archive members for external
	// decoders.
	SpillDir string
	Log      zerolog.Logger
}

// DefaultDecoders wires the raster decoder and the ffmpeg and pdftoppm
// command backends. Raster decodes share one maxPixels budget, so at most
// one image of the largest accepted size is held at full resolution.
func DefaultDecoders(ffmpeg, pdftoppm string, maxPixels int64) map[Kind]Decoder {
	runner := ExecRunner{}
	return map[Kind]Decoder{
		KindImage:    RasterDecoder{MaxPixels: maxPixels, Budget: NewPixelBudget(maxPixels)},
		KindVideo:    VideoDecoder{Runner: runner, Binary: ffmpeg},
		KindDocument: DocumentDecoder{Runner: runner, PDFToPPM: pdftoppm},
	}
}

// NewCache builds a result cache bounded by budget bytes.
func NewCache(budget int64, log zerolog.Logger) *cache.Cache[Result] {
	return cache.New(cache.Options[Result]{Budget: budget, Cost: cost, Log: log})
}

// Ticket tracks one request. Done delivers exactly one Result.
type Ticket struct {
	ID   uint64
	done chan Result
}

func (t *Ticket) Done() <-chan Result { return t.done }

func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-t.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type task struct {
	id      uint64
	req     Request
	ticket  *Ticket
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	elem    *list.Element
	started time.Time
}

func (t *task) deliver(r Result) bool {
	delivered := false
	t.once.Do(func() {
		r.ID = t.id
		r.Elapsed = time.Since(t.started)
		t.ticket.done <- r
		delivered = true
	})
	return delivered
}

// Generator serves preview requests in submission order on a fixed number
// of workers. Requests beyond the pool's capacity wait in a queue.
type Generator struct {
	opts Options
	next atomic.Uint64

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	tasks   map[uint64]*task
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

func New(opts Options) *Generator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxMemberBytes <= 0 {
		opts.MaxMemberBytes = DefaultMaxMemberBytes
	}
	if opts.Decoders == nil {
		opts.Decoders = DefaultDecoders("ffmpeg", "pdftoppm", DefaultMaxPixels)
	}
	ctx, stop := context.WithCancel(context.Background())
	g := &Generator{
		opts:    opts,
		queue:   list.New(),
		tasks:   make(map[uint64]*task),
		baseCtx: ctx,
		stop:    stop,
	}
	g.cond = sync.NewCond(&g.mu)
	for range opts.Workers {
		g.wg.Add(1)
		go g.worker()
	}
	return g
}

// Request queues req and returns immediately.
func (g *Generator) Request(req Request) (*Ticket, error) {
	if req.Source.Path == "" && req.Source.Handle == nil {
		return nil, errors.New("preview source is empty")
	}
	ctx, cancel := context.WithCancel(g.baseCtx)
	t := &task{
		id:      g.next.Add(1),
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
	}
	t.ticket = &Ticket{ID: t.id, done: make(chan Result, 1)}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		cancel()
		return nil, ErrClosed
	}
	t.elem = g.queue.PushBack(t)
	g.tasks[t.id] = t
	g.cond.Signal()
	return t.ticket, nil
}

// Cancel stops a request. A queued request is removed without being
// decoded; a running one is interrupted at the decoder's next checkpoint.
// Either way its ticket receives StatusCancelled.
func (g *Generator) Cancel(id uint64) bool {
	g.mu.Lock()
	t, ok := g.tasks[id]
	if ok {
		delete(g.tasks, id)
		if t.elem != nil {
			g.queue.Remove(t.elem)
			t.elem = nil
		}
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	return t.deliver(Result{Status: StatusCancelled, Err: context.Canceled})
}

// Pending is the number of queued requests not yet picked up by a worker.
func (g *Generator) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len()
}

// Close cancels every outstanding request and waits for the workers.
func (g *Generator) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	pending := make([]*task, 0, len(g.tasks))
	for _, t := range g.tasks {
		pending = append(pending, t)
	}
	g.tasks = make(map[uint64]*task)
	g.queue.Init()
	g.cond.Broadcast()
	g.mu.Unlock()

	g.stop()
	for _, t := range pending {
		t.deliver(Result{Status: StatusCancelled, Err: ErrClosed})
	}
	g.wg.Wait()
}

func (g *Generator) worker() {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		for g.queue.Len() == 0 && !g.closed {
			g.cond.Wait()
		}
		if g.closed {
			g.mu.Unlock()
			return
		}
		t := g.queue.Remove(g.queue.Front()).(*task)
		t.elem = nil
		g.mu.Unlock()

		r := g.process(t)

		g.mu.Lock()
		delete(g.tasks, t.id)
		g.mu.Unlock()
		t.cancel()
		t.deliver(r)
	}
}

func (g *Generator) process(t *task) Result {
	req := t.req
	src := req.Source
	log := g.opts.Log.With().Uint64("request", t.id).Str("source", src.Identity()).Logger()
	if err := t.ctx.Err(); err != nil {
		return Result{Status: StatusCancelled, Err: err}
	}

	sig, err := signature(src)
	if err != nil {
		return g.unavailable(t, log, err)
	}
	key := cache.Key{Identity: src.Identity(), Signature: sig, Bucket: cache.BucketFor(req.Width, req.Height)}
	if g.opts.Cache != nil {
		if r, ok := g.opts.Cache.Get(key); ok {
			r.Cached = true
			return r.detached()
		}
	}

	in, err := g.materialize(t.ctx, src)
	if err != nil {
		return g.unavailable(t, log, err)
	}
	defer in.release()

	r := g.render(t.ctx, in, req.Width, req.Height)
	if r.Status == StatusFailed {
		log.Warn().Str("kind", r.Kind.String()).Str("failure", r.Failure.String()).Err(r.Err).Msg("preview failed")
	}
	if t.ctx.Err() != nil {
		return Result{Status: StatusCancelled, Kind: r.Kind, Err: t.ctx.Err()}
	}
	if g.opts.Cache != nil && cacheable(r) {
		g.opts.Cache.Put(key, r)
		return r.detached()
	}
	return r
}

func (g *Generator) unavailable(t *task, log zerolog.Logger, err error) Result {
	if t.ctx.Err() != nil {
		return Result{Status: StatusCancelled, Err: t.ctx.Err()}
	}
	log.Debug().Err(err).Msg("preview source unavailable")
	return Result{Status: StatusFailed, Failure: SourceUnavailable, Err: err}
}

// render dispatches on the item's kind. Decoder faults, panics included,
// become DecodeError results.
func (g *Generator) render(ctx context.Context, in *Input, maxW, maxH int) (r Result) {
	head, err := in.Head(SniffLen)
	if err != nil {
		return Result{Status: StatusFailed, Failure: SourceUnavailable, Err: err}
	}
	kind, mt := Detect(in.Name, head)
	r = Result{Kind: kind, MimeType: mt}
	if kind == KindUnknown {
		r.Status = StatusFallback
		r.Icon = IconName(mt)
		return r
	}
	dec, ok := g.opts.Decoders[kind]
	if !ok || dec == nil {
		r.Status = StatusFailed
		r.Failure = UnsupportedKind
		r.Err = fmt.Errorf("%s: %w", kind, ErrNoBackend)
		return r
	}

	defer func() {
		if p := recover(); p != nil {
			r = Result{Kind: kind, MimeType: mt, Status: StatusFailed, Failure: DecodeError, Err: fmt.Errorf("decoder panic: %v", p)}
		}
	}()
	img, err := dec.Decode(ctx, in, maxW, maxH)
	switch {
	case err != nil && errors.Is(err, ErrNoBackend):
		r.Status = StatusFailed
		r.Failure = UnsupportedKind
		r.Err = err
		return r
	case err != nil:
		r.Status = StatusFailed
		r.Failure = DecodeError
		r.Err = err
		return r
	case img == nil:
		r.Status = StatusFailed
		r.Failure = DecodeError
		r.Err = errors.New("decoder returned no image")
		return r
	}
	scaled := Scale(img, maxW, maxH)
	r.Status = StatusOK
	r.Image = scaled
	r.Width = scaled.Bounds().Dx()
	r.Height = scaled.Bounds().Dy()
	return r
}
