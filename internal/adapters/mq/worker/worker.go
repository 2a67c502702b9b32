// Package worker runs post-commit transition work on a keyed pool so that one
// user's events are always handled in order by the same worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/geopresence/internal/adapters/mq/queue"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/pkg/logger"
	"github.com/okian/geopresence/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	defaultQueueSize        = 1024
	metricsUpdateInterval   = 5 * time.Second
	poolShutdownTimeout     = 30 * time.Second
)

// Pool errors.
var (
	ErrQueueFull  = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool closed")
)

// Processor handles one committed transition.
type Processor interface {
	Process(ctx context.Context, ev model.TransitionEvent) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev model.TransitionEvent) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, ev model.TransitionEvent) error {
	return f(ctx, ev)
}

// Worker drains its own queue until it is closed or ctx is canceled.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown waits for the worker to drain its queue.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker processes transitions from a single queue.
type InMemoryWorker struct {
	queue     *queue.InMemoryQueue[model.TransitionEvent]
	processor Processor
	name      string

	done chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q *queue.InMemoryQueue[model.TransitionEvent], p Processor, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     q,
		processor: p,
		name:      "worker",
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run starts the worker loop. Items still queued when the queue is closed are
// processed before Run returns.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	items := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-items:
			if !ok {
				return
			}
			if err := w.process(ctx, ev); err != nil {
				w.logger.Error(ctx, "error processing transition",
					logger.String("event_id", ev.ID),
					logger.String("user_id", ev.UserID),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown waits for the worker loop to exit.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, ev model.TransitionEvent) (err error) { //nolint:gocritic // hugeParam: events are passed by value for channel semantics
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
		if err != nil {
			metrics.RecordWorkerError()
			metrics.RecordErrorByComponent("worker", "process_error")
		}
	}()
	return w.processor.Process(ctx, ev)
}

// Pool routes transitions to a fixed set of workers by user id.
type Pool struct {
	workers []*InMemoryWorker
	queues  []*queue.InMemoryQueue[model.TransitionEvent]

	mu     sync.RWMutex
	closed bool

	shutdown chan struct{}

	logger logger.Logger
}

// NewPool creates a pool of workerCount workers each owning a queue of
// queueSize items. Non-positive values select defaults.
func NewPool(workerCount, queueSize int, p Processor, opts ...PoolOption) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}

	pool := &Pool{
		workers:  make([]*InMemoryWorker, workerCount),
		queues:   make([]*queue.InMemoryQueue[model.TransitionEvent], workerCount),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pool)
	}
	if pool.logger == nil {
		pool.logger = logger.Get().Named("worker-pool")
	}

	for i := 0; i < workerCount; i++ {
		name := "worker-" + strconv.Itoa(i)
		pool.queues[i] = queue.NewInMemoryQueue[model.TransitionEvent](
			queue.WithCapacity(queueSize),
			queue.WithName(name),
		)
		pool.workers[i] = NewInMemoryWorker(pool.queues[i], p,
			WithName(name),
			WithLogger(pool.logger.Named(name)),
		)
	}

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	go p.startMetricsUpdater(ctx)
}

// Submit hands ev to the worker owning its user. It never blocks.
func (p *Pool) Submit(ctx context.Context, ev model.TransitionEvent) error { //nolint:gocritic // hugeParam: events are passed by value for channel semantics
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if !p.queues[p.slot(ev.UserID)].Enqueue(ctx, ev) {
		metrics.RecordWorkerRejection()
		return ErrQueueFull
	}
	return nil
}

// SubmitWait hands ev to the worker owning its user, waiting for room in
// that worker's queue. It fails only when ctx is done or the pool is closed.
func (p *Pool) SubmitWait(ctx context.Context, ev model.TransitionEvent) error { //nolint:gocritic // hugeParam: events are passed by value for channel semantics
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	if !p.queues[p.slot(ev.UserID)].EnqueueWait(ctx, ev) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for worker queue: %w", err)
		}
		return ErrPoolClosed
	}
	return nil
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return len(p.workers) }

// QueueLen returns the total number of queued transitions.
func (p *Pool) QueueLen() int {
	n := 0
	for _, q := range p.queues {
		n += q.Len()
	}
	return n
}

func (p *Pool) slot(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(p.queues))) //nolint:gosec // len is small and positive
}

func (p *Pool) startMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			metrics.UpdateWorkerQueueSize(p.QueueLen())
		}
	}
}

// Shutdown closes every queue and waits for the workers to drain them.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		if err := q.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	p.mu.Unlock()
	close(p.shutdown)

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var errs []error
	for i, w := range p.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
