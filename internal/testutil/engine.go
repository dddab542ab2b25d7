package testutil

import (
	"context"
	"testing"

	"burstflare/internal/flare"
	"burstflare/internal/objects"
	"burstflare/internal/store"
)

// Harness is an engine wired to in-memory stores and deterministic time.
type Harness struct {
	Engine  *flare.Engine
	Store   *store.MemoryStore
	Objects *objects.MemoryStore
	Clock   *StubClock
	IDs     *StubIDGenerator
}

type harnessConfig struct {
	settings   flare.Settings
	dispatcher flare.Dispatcher
	host       flare.RuntimeHost
	wrap       func(flare.ObjectStore) flare.ObjectStore
}

// Option customizes NewHarness.
type Option func(*harnessConfig)

// WithSettings edits the default settings before the engine is built.
func WithSettings(fn func(*flare.Settings)) Option {
	return func(c *harnessConfig) { fn(&c.settings) }
}

// WithDispatcher routes builds through d instead of leaving them queued.
func WithDispatcher(d flare.Dispatcher) Option {
	return func(c *harnessConfig) { c.dispatcher = d }
}

// WithHost replaces the in-process runtime stand-in.
func WithHost(h flare.RuntimeHost) Option {
	return func(c *harnessConfig) { c.host = h }
}

// WithObjectStore puts wrap between the engine and the in-memory object
// store. Harness.Objects still exposes the underlying store.
func WithObjectStore(wrap func(flare.ObjectStore) flare.ObjectStore) Option {
	return func(c *harnessConfig) { c.wrap = wrap }
}

// NewHarness builds an engine with no dispatcher, so builds run only when
// ProcessBuilds or a reconcile sweep picks them up.
func NewHarness(t testing.TB, opts ...Option) *Harness {
	t.Helper()
	cfg := harnessConfig{settings: flare.DefaultSettings()}
	cfg.settings.RuntimeTokenSecret = []byte("test-runtime-secret")
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &Harness{
		Store:   store.NewMemoryStore(),
		Objects: objects.NewMemoryStore(),
		Clock:   FixedClock(),
		IDs:     NewStubIDGenerator(),
	}
	var objs flare.ObjectStore = h.Objects
	if cfg.wrap != nil {
		objs = cfg.wrap(h.Objects)
	}
	h.Engine = flare.NewEngine(h.Store, objs, cfg.dispatcher, cfg.host, cfg.settings, nil, h.Clock, h.IDs)
	return h
}

// Register signs up a user and returns their token pair.
func (h *Harness) Register(t testing.TB, email string) *flare.TokenPair {
	t.Helper()
	pair, err := h.Engine.Register(context.Background(), email, "")
	if err != nil {
		t.Fatalf("Register(%s) error = %v", email, err)
	}
	return pair
}

// ReadyTemplate creates a template whose version 1.0.0 has built and been
// promoted, returning the template and version IDs.
func (h *Harness) ReadyTemplate(t testing.TB, token, name string, manifest flare.Manifest) (string, string) {
	t.Helper()
	ctx := context.Background()
	tpl, err := h.Engine.CreateTemplate(ctx, token, name, "")
	if err != nil {
		t.Fatalf("CreateTemplate() error = %v", err)
	}
	res, err := h.Engine.AddTemplateVersion(ctx, token, tpl.ID, "1.0.0", manifest)
	if err != nil {
		t.Fatalf("AddTemplateVersion() error = %v", err)
	}
	if _, err := h.Engine.ProcessBuilds(ctx, token); err != nil {
		t.Fatalf("ProcessBuilds() error = %v", err)
	}
	if _, err := h.Engine.PromoteTemplateVersion(ctx, token, tpl.ID, res.Version.ID); err != nil {
		t.Fatalf("PromoteTemplateVersion() error = %v", err)
	}
	return tpl.ID, res.Version.ID
}

// RunningSession creates and starts a session of templateID.
func (h *Harness) RunningSession(t testing.TB, token, templateID string) *flare.Session {
	t.Helper()
	ctx := context.Background()
	ses, err := h.Engine.CreateSession(ctx, token, templateID, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	ses, err = h.Engine.StartSession(ctx, token, ses.ID)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return ses
}
