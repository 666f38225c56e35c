package detection

import (
	"context"
	"errors"
	"sync"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/stream"
)

// Pool runs a fixed number of detection workers over the per-site
// frame queues. A queue hands out at most one token at a time, so a
// site is processed by one worker at a time and in capture order.
type Pool struct {
	engine  *Engine
	workers int
	logger  *logger.Logger
	onError func(error)

	queues []*stream.FrameQueue
	tokens chan *stream.FrameQueue
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithErrorHandler receives every classifier failure
func WithErrorHandler(fn func(error)) PoolOption {
	return func(p *Pool) { p.onError = fn }
}

// NewPool attaches the pool to the given queues
func NewPool(engine *Engine, workers int, queues []*stream.FrameQueue, log *logger.Logger, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		engine:  engine,
		workers: workers,
		logger:  log,
		queues:  queues,
		// one outstanding token per queue, so scheduling never blocks
		tokens: make(chan *stream.FrameQueue, len(queues)),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, q := range queues {
		q.SetNotify(p.schedule)
	}
	return p
}

func (p *Pool) schedule(q *stream.FrameQueue) {
	p.tokens <- q
}

// Run processes frames until ctx is cancelled and sends every event to
// out. Frames still queued at shutdown are discarded.
func (p *Pool) Run(ctx context.Context, out chan<- Event) {
	p.logger.Info("Detection workers started", "workers", p.workers, "sites", len(p.queues))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, out)
		}()
	}
	wg.Wait()

	dropped := 0
	for _, q := range p.queues {
		q.SetNotify(nil)
		dropped += q.Drain()
	}
	p.logger.Info("Detection workers stopped", "discarded_frames", dropped)
}

func (p *Pool) work(ctx context.Context, out chan<- Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-p.tokens:
			p.processOne(ctx, q, out)
			q.Release()
		}
	}
}

func (p *Pool) processOne(ctx context.Context, q *stream.FrameQueue, out chan<- Event) {
	frame, ok := q.Take()
	if !ok {
		return
	}

	ev, err := p.engine.Process(ctx, frame)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		p.logger.Warn("Frame dropped", "site", frame.SiteID, "seq", frame.Seq, "error", err)
		if p.onError != nil {
			p.onError(err)
		}
		return
	}
	if ev == nil {
		return
	}

	select {
	case out <- *ev:
	case <-ctx.Done():
	}
}
