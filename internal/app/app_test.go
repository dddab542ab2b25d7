package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"burstflare/internal/config"
	"burstflare/internal/flare"
	"burstflare/internal/objects"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Dispatch = config.DispatchConfig{Type: "none"}
	cfg.Scheduler.Interval = 0
	return cfg
}

func TestNew_PersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Encryption.Type = "age"
	if err := objects.GenerateKeys(cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath); err != nil {
		t.Fatalf("GenerateKeys() error = %v", err)
	}

	a, err := New(ctx, cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := a.Engine().Register(ctx, "ada@example.com", "Ada"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b, err := New(ctx, cfg, "test")
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer b.Close()

	pair, err := b.Engine().Login(ctx, "ada@example.com", flare.TokenBrowser)
	if err != nil {
		t.Fatalf("Login() after restart error = %v", err)
	}
	if pair.User.Email != "ada@example.com" {
		t.Errorf("Login() user = %q, want ada@example.com", pair.User.Email)
	}

	data, err := os.ReadFile(filepath.Join(cfg.LogDir, "burstflare.log"))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(data), "app ready") {
		t.Errorf("log missing startup line: %q", data)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "unknown store",
			mutate:  func(c *config.Config) { c.Store.Type = "etcd" },
			wantErr: "creating state store",
		},
		{
			name:    "unknown objects",
			mutate:  func(c *config.Config) { c.Objects.Type = "gcs" },
			wantErr: "creating object store",
		},
		{
			name:    "age without keys",
			mutate:  func(c *config.Config) { c.Encryption.Type = "age" },
			wantErr: "creating object store",
		},
		{
			name:    "unknown dispatch",
			mutate:  func(c *config.Config) { c.Dispatch.Type = "kafka" },
			wantErr: "creating dispatcher",
		},
		{
			name:    "unknown runtime",
			mutate:  func(c *config.Config) { c.Runtime.Type = "firecracker" },
			wantErr: "creating runtime host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, "test")
			if err == nil {
				t.Fatal("New() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestApp_Reconcile(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), "reconcile")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	report, err := a.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Changed() {
		t.Errorf("Reconcile() on an empty store changed something: %+v", report)
	}
}

func TestApp_WorkerNeedsDispatcher(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), "worker")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if err := a.Worker(context.Background()); err == nil {
		t.Fatal("Worker() expected error without a dispatcher")
	}
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch = config.DispatchConfig{Type: "local", Workers: 1, QueueSize: 4}
	a, err := New(context.Background(), cfg, "serve")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
