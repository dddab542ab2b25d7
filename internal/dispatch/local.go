package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"burstflare/internal/flare"
)

// ErrQueueFull is returned when the local queue cannot accept more work.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrStopped is returned by Enqueue calls made after Run has returned.
var ErrStopped = errors.New("dispatcher stopped")

// Local is an in-process worker pool. It reports builds as dispatched by
// workflow.
type Local struct {
	workers int
	jobs    chan Job
	logger  flare.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewLocal creates a pool with the given worker count and queue capacity.
func NewLocal(workers, queueSize int, logger flare.Logger) *Local {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = flare.NewNopLogger()
	}
	return &Local{workers: workers, jobs: make(chan Job, queueSize), logger: logger}
}

func (l *Local) enqueue(ctx context.Context, j Job) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return ErrStopped
	}
	select {
	case l.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (l *Local) EnqueueBuild(ctx context.Context, buildID string) (flare.Dispatch, error) {
	if err := l.enqueue(ctx, Job{Type: JobBuild, BuildID: buildID}); err != nil {
		return flare.DispatchNone, err
	}
	return flare.DispatchWorkflow, nil
}

func (l *Local) EnqueueReconcile(ctx context.Context) error {
	return l.enqueue(ctx, Job{Type: JobReconcile})
}

// Run processes jobs with h until ctx is canceled. Jobs still queued at
// that point are dropped; the next reconcile sweep picks their builds up.
func (l *Local) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < l.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-l.jobs:
					if err := run(ctx, h, l.logger, j); err != nil {
						l.logger.Warn("job failed", "type", j.Type, "error", err)
					}
				}
			}
		})
	}
	err := g.Wait()

	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	return err
}

var _ flare.Dispatcher = (*Local)(nil)
