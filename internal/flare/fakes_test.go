package flare_test

import (
	"context"
	"errors"
	"io"
	"sync"

	"burstflare/internal/flare"
)

// recordingDispatcher accepts every job and remembers what it was given.
type recordingDispatcher struct {
	mu         sync.Mutex
	builds     []string
	reconciles int
}

func (d *recordingDispatcher) EnqueueBuild(_ context.Context, buildID string) (flare.Dispatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builds = append(d.builds, buildID)
	return flare.DispatchQueue, nil
}

func (d *recordingDispatcher) EnqueueReconcile(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconciles++
	return nil
}

func (d *recordingDispatcher) enqueued() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.builds...)
}

// brokenHost fails every lifecycle call.
type brokenHost struct{}

var errHostDown = errors.New("host unreachable")

func (brokenHost) Start(context.Context, flare.RuntimeSpec) (flare.RuntimeStatus, error) {
	return flare.RuntimeStatus{}, errHostDown
}

func (brokenHost) Stop(context.Context, string) (flare.RuntimeStatus, error) {
	return flare.RuntimeStatus{}, errHostDown
}

func (brokenHost) Inspect(context.Context, string) (flare.RuntimeStatus, error) {
	return flare.RuntimeStatus{}, errHostDown
}

func (brokenHost) Destroy(context.Context, string) error { return errHostDown }

func (brokenHost) SSHAddress(context.Context, string) (string, error) { return "", errHostDown }

// hookHost succeeds every lifecycle call, running the matching hook while
// the call is in flight.
type hookHost struct {
	onStart func()
	onStop  func()
}

func (h *hookHost) Start(context.Context, flare.RuntimeSpec) (flare.RuntimeStatus, error) {
	if h.onStart != nil {
		h.onStart()
	}
	return flare.RuntimeStatus{Status: "running", RuntimeState: "running", Version: 10, OperationID: "op-start"}, nil
}

func (h *hookHost) Stop(context.Context, string) (flare.RuntimeStatus, error) {
	if h.onStop != nil {
		h.onStop()
	}
	return flare.RuntimeStatus{Status: "stopped", RuntimeState: "sleeping", Version: 30, OperationID: "op-stop"}, nil
}

func (h *hookHost) Inspect(context.Context, string) (flare.RuntimeStatus, error) {
	return flare.RuntimeStatus{}, nil
}

func (h *hookHost) Destroy(context.Context, string) error { return nil }

func (h *hookHost) SSHAddress(context.Context, string) (string, error) { return "", errHostDown }

// interceptingObjects runs beforePut once, ahead of the first write made
// after it is set.
type interceptingObjects struct {
	flare.ObjectStore
	once      sync.Once
	beforePut func()
}

func (o *interceptingObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if o.beforePut != nil {
		o.once.Do(o.beforePut)
	}
	return o.ObjectStore.Put(ctx, key, r, size, contentType)
}
