package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"burstflare/internal/flare"
	"burstflare/internal/runtime"
	"burstflare/internal/server"
	"burstflare/internal/testutil"
)

// syncBuffer is a bytes.Buffer safe for one writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTunnelURL(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		want    string
		wantErr bool
	}{
		{"http", "http://localhost:8787", "ws://localhost:8787/runtime/sessions/ses_1/ssh?token=tok", false},
		{"https with slash", "https://flare.example.com/", "wss://flare.example.com/runtime/sessions/ses_1/ssh?token=tok", false},
		{"already ws", "ws://10.0.0.1:9000", "ws://10.0.0.1:9000/runtime/sessions/ses_1/ssh?token=tok", false},
		{"bad scheme", "ftp://example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tunnelURL(tt.server, "ses_1", "ssh", "tok")
			if (err != nil) != tt.wantErr {
				t.Fatalf("tunnelURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("tunnelURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttach_Terminal(t *testing.T) {
	host := runtime.NewSimulated(testutil.FixedClock(), "")
	h := testutil.NewHarness(t, testutil.WithHost(host))
	pair := h.Register(t, "dev@example.com")
	tplID, _ := h.ReadyTemplate(t, pair.AccessToken, "shell", flare.Manifest{Image: "node:20"})
	ses := h.RunningSession(t, pair.AccessToken, tplID)

	srv := httptest.NewServer(server.New(h.Engine, host, nil, server.Options{}).Handler())
	defer srv.Close()

	in, stdin := io.Pipe()
	defer stdin.Close()
	var out syncBuffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- attach(ctx, attachOptions{
			Server:    srv.URL,
			Token:     pair.AccessToken,
			SessionID: ses.ID,
			Kind:      "terminal",
		}, in, &out)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), "$ ") {
		if time.Now().After(deadline) {
			t.Fatalf("no prompt, got %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := stdin.Write([]byte("exit\r")); err != nil {
		t.Fatalf("writing input: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("attach() error = %v", err)
	}
	if !strings.Contains(out.String(), "logout") {
		t.Errorf("output = %q, want logout", out.String())
	}
}

func TestAttach_RejectsBadToken(t *testing.T) {
	h := testutil.NewHarness(t)
	srv := httptest.NewServer(server.New(h.Engine, nil, nil, server.Options{}).Handler())
	defer srv.Close()

	err := attach(context.Background(), attachOptions{
		Server:    srv.URL,
		Token:     "not-a-token",
		SessionID: "ses_missing",
		Kind:      "ssh",
	}, strings.NewReader(""), io.Discard)
	if err == nil {
		t.Fatal("attach() expected error")
	}
	if !strings.Contains(err.Error(), "requesting runtime token") {
		t.Errorf("attach() error = %q, want runtime token failure", err)
	}
}
