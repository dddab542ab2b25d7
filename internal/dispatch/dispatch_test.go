package dispatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstflare/internal/config"
	"burstflare/internal/flare"
)

type recordingHandler struct {
	mu         sync.Mutex
	builds     []string
	reconciles int
	fail       bool
	done       chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 16)}
}

func (h *recordingHandler) ProcessBuildJob(ctx context.Context, buildID string) (*flare.TemplateBuild, error) {
	h.mu.Lock()
	h.builds = append(h.builds, buildID)
	fail := h.fail
	h.mu.Unlock()
	h.done <- struct{}{}
	if fail {
		return nil, errors.New("store unavailable")
	}
	return &flare.TemplateBuild{ID: buildID, Status: flare.BuildSucceeded, Attempts: 1}, nil
}

func (h *recordingHandler) ReconcileAll(ctx context.Context) (*flare.ReconcileReport, error) {
	h.mu.Lock()
	h.reconciles++
	h.mu.Unlock()
	h.done <- struct{}{}
	return &flare.ReconcileReport{}, nil
}

func (h *recordingHandler) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func TestDecodeJob(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Job
		wantErr bool
	}{
		{name: "build", body: `{"type":"build","buildId":"bld_1"}`, want: Job{Type: JobBuild, BuildID: "bld_1"}},
		{name: "reconcile", body: `{"type":"reconcile"}`, want: Job{Type: JobReconcile}},
		{name: "build without id", body: `{"type":"build"}`, wantErr: true},
		{name: "unknown type", body: `{"type":"deploy"}`, wantErr: true},
		{name: "not json", body: `build bld_1`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeJob([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJobEncodeDecode(t *testing.T) {
	body, err := Job{Type: JobBuild, BuildID: "bld_9"}.encode()
	require.NoError(t, err)
	got, err := decodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, "bld_9", got.BuildID)
}

func TestLocal_RunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLocal(2, 8, nil)
	h := newRecordingHandler()
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx, h) }()

	via, err := l.EnqueueBuild(ctx, "bld_1")
	require.NoError(t, err)
	assert.Equal(t, flare.DispatchWorkflow, via)
	require.NoError(t, l.EnqueueReconcile(ctx))

	h.wait(t, 2)
	h.mu.Lock()
	assert.Equal(t, []string{"bld_1"}, h.builds)
	assert.Equal(t, 1, h.reconciles)
	h.mu.Unlock()

	cancel()
	require.NoError(t, <-errc)

	_, err = l.EnqueueBuild(context.Background(), "bld_2")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLocal_QueueFull(t *testing.T) {
	l := NewLocal(1, 1, nil)
	ctx := context.Background()

	_, err := l.EnqueueBuild(ctx, "bld_1")
	require.NoError(t, err)
	via, err := l.EnqueueBuild(ctx, "bld_2")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, flare.DispatchNone, via)
}

func TestLocal_FailedJobDoesNotStopWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLocal(1, 4, nil)
	h := newRecordingHandler()
	h.fail = true
	go func() { _ = l.Run(ctx, h) }()

	_, err := l.EnqueueBuild(ctx, "bld_1")
	require.NoError(t, err)
	_, err = l.EnqueueBuild(ctx, "bld_2")
	require.NoError(t, err)
	h.wait(t, 2)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"bld_1", "bld_2"}, h.builds)
}

func TestNewFromConfig(t *testing.T) {
	r, err := NewFromConfig(config.DispatchConfig{Type: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = NewFromConfig(config.DispatchConfig{Type: "local", Workers: 3}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Local{}, r)

	_, err = NewFromConfig(config.DispatchConfig{Type: "amqp"}, nil)
	assert.Error(t, err)

	_, err = NewFromConfig(config.DispatchConfig{Type: "kafka"}, nil)
	assert.Error(t, err)
}

// TestAMQP_RoundTrip needs a broker; set BURSTFLARE_TEST_AMQP_URL to run it.
func TestAMQP_RoundTrip(t *testing.T) {
	url := os.Getenv("BURSTFLARE_TEST_AMQP_URL")
	if url == "" {
		t.Skip("BURSTFLARE_TEST_AMQP_URL not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewAMQP(url, "burstflare-test", "burstflare-test-jobs", nil)
	require.NoError(t, err)
	defer a.Close()

	h := newRecordingHandler()
	go func() { _ = a.Run(ctx, h) }()

	via, err := a.EnqueueBuild(ctx, "bld_q")
	require.NoError(t, err)
	assert.Equal(t, flare.DispatchQueue, via)
	h.wait(t, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Contains(t, h.builds, "bld_q")
}
