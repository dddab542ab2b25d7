package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstflare/internal/config"
	"burstflare/internal/flare"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestSimulated_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h := NewSimulated(fixedClock{time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}, "127.0.0.1:2222")

	started, err := h.Start(ctx, flare.RuntimeSpec{SessionID: "ses_1", SSH: true})
	require.NoError(t, err)
	assert.Equal(t, "running", started.RuntimeState)
	assert.True(t, h.Running("ses_1"))

	addr, err := h.SSHAddress(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", addr)

	stopped, err := h.Stop(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "sleeping", stopped.RuntimeState)
	assert.Greater(t, stopped.Version, started.Version)
	assert.NotEqual(t, started.OperationID, stopped.OperationID)

	_, err = h.SSHAddress(ctx, "ses_1")
	assert.Error(t, err)

	inspected, err := h.Inspect(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", inspected.Status)

	require.NoError(t, h.Destroy(ctx, "ses_1"))
	missing, err := h.Inspect(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "exited", missing.RuntimeState)
}

func TestSimulated_NoSSH(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		addr string
		ssh  bool
	}{
		{name: "feature disabled", addr: "127.0.0.1:22", ssh: false},
		{name: "no listener configured", addr: "", ssh: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSimulated(nil, tt.addr)
			_, err := h.Start(ctx, flare.RuntimeSpec{SessionID: "ses_1", SSH: tt.ssh})
			require.NoError(t, err)
			_, err = h.SSHAddress(ctx, "ses_1")
			assert.Error(t, err)
		})
	}
}

func TestNewHostFromConfig(t *testing.T) {
	h, err := NewHostFromConfig(context.Background(), config.RuntimeConfig{Type: "simulated"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Simulated{}, h)

	_, err = NewHostFromConfig(context.Background(), config.RuntimeConfig{Type: "firecracker"}, nil, nil)
	assert.Error(t, err)
}
