package fanout

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/monitoring"
)

// Task is one deferred fan-out invocation.
type Task func()

// Pauser reports whether deferred dispatch should hold off. Satisfied by
// *limits.Guard.
type Pauser interface {
	ShouldPauseDispatch() bool
}

// pausePoll is how often a paused worker rechecks the pauser.
const pausePoll = 100 * time.Millisecond

// DispatchPool runs deferred fan-outs on a fixed set of workers with a
// bounded queue. When the queue is full, Submit drops the task rather than
// blocking the request path; dropped diffs remain queryable by the peer.
type DispatchPool struct {
	workers int
	tasks   chan Task
	ctx     context.Context
	wg      sync.WaitGroup
	dropped int64
	pauser  Pauser
	logger  zerolog.Logger
}

// NewDispatchPool creates a pool with the given worker count and queue size.
func NewDispatchPool(workers, queueSize int, logger zerolog.Logger) *DispatchPool {
	return &DispatchPool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger.With().Str("component", "dispatch_pool").Logger(),
	}
}

// SetPauser installs the dispatch pause check. Must be called before Start.
func (p *DispatchPool) SetPauser(pauser Pauser) {
	p.pauser = pauser
}

// Start launches the workers. They run until Stop is called or ctx is
// cancelled.
func (p *DispatchPool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info().
		Int("workers", p.workers).
		Int("queue_size", cap(p.tasks)).
		Msg("Dispatch pool started")
}

func (p *DispatchPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.waitWhilePaused()
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error().
							Int("worker_id", id).
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("Dispatch task panic recovered")
						monitoring.RecordError(monitoring.ErrorTypeDelivery, monitoring.ErrorSeverityCritical)
					}
				}()
				task()
			}()
		case <-p.ctx.Done():
			return
		}
	}
}

// waitWhilePaused holds the worker while the pauser reports resource
// pressure. Queued diffs are already recorded and remain queryable, so
// holding only delays delivery. Cancellation releases the hold so shutdown
// can drain.
func (p *DispatchPool) waitWhilePaused() {
	if p.pauser == nil || !p.pauser.ShouldPauseDispatch() {
		return
	}
	p.logger.Warn().Msg("Dispatch paused under resource pressure")
	ticker := time.NewTicker(pausePoll)
	defer ticker.Stop()
	for p.pauser.ShouldPauseDispatch() {
		select {
		case <-ticker.C:
		case <-p.ctx.Done():
			return
		}
	}
	p.logger.Info().Msg("Dispatch resumed")
}

// Submit enqueues a task without blocking. Returns false when the queue is
// full and the task was dropped.
func (p *DispatchPool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		monitoring.RecordDispatchTask()
		return true
	default:
		dropped := atomic.AddInt64(&p.dropped, 1)
		monitoring.RecordDispatchDropped()
		if dropped%100 == 1 {
			p.logger.Warn().
				Int64("total_dropped", dropped).
				Int("queue_size", cap(p.tasks)).
				Msg("Dispatch queue full, dropping tasks")
		}
		return false
	}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *DispatchPool) Stop() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info().
		Int64("dropped_tasks", atomic.LoadInt64(&p.dropped)).
		Msg("Dispatch pool stopped")
}

// DroppedTasks returns the number of tasks dropped due to a full queue.
func (p *DispatchPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// QueueDepth returns the number of queued tasks.
func (p *DispatchPool) QueueDepth() int {
	return len(p.tasks)
}

// QueueCapacity returns the queue size.
func (p *DispatchPool) QueueCapacity() int {
	return cap(p.tasks)
}
