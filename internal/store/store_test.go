package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"burstflare/internal/config"
	"burstflare/internal/flare"
)

type opener func(t *testing.T, dir string) flare.Store

func openers() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T, dir string) flare.Store { return NewMemoryStore() },
		"file": func(t *testing.T, dir string) flare.Store {
			s, err := NewFileStore(filepath.Join(dir, "state.bin"))
			if err != nil {
				t.Fatalf("NewFileStore() error = %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T, dir string) flare.Store {
			s, err := NewSQLiteStore(filepath.Join(dir, "state.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			return s
		},
	}
}

var created = time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)

func seed(st *flare.State) {
	st.Seq++
	st.Users["usr_1"] = &flare.User{ID: "usr_1", Email: "ada@example.com", CreatedAt: created}
	ttl := int64(60)
	st.TemplateVersions["ver_1"] = &flare.TemplateVersion{
		ID:       "ver_1",
		Version:  "1.0.0",
		Status:   flare.VersionQueued,
		Manifest: flare.Manifest{Image: "ubuntu:24.04", SleepTTLSeconds: &ttl, Features: []flare.Feature{flare.FeatureSSH}},
	}
	st.AuditLogs["aud_1"] = &flare.AuditLog{ID: "aud_1", Action: "user.registered", Details: map[string]string{"k": "v"}, Seq: st.Seq}
}

func TestStore_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			s := open(t, t.TempDir())
			defer s.Close()

			if err := s.Transact(ctx, func(st *flare.State) error { seed(st); return nil }); err != nil {
				t.Fatalf("Transact() error = %v", err)
			}

			boom := errors.New("boom")
			err := s.Transact(ctx, func(st *flare.State) error {
				delete(st.Users, "usr_1")
				st.Seq = 99
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Transact() error = %v, want %v", err, boom)
			}

			err = s.View(ctx, func(st *flare.State) error {
				if st.Seq != 1 {
					t.Errorf("Seq = %d, want 1", st.Seq)
				}
				u := st.Users["usr_1"]
				if u == nil {
					t.Fatal("user missing after rolled back transaction")
				}
				if !u.CreatedAt.Equal(created) {
					t.Errorf("CreatedAt = %v, want %v", u.CreatedAt, created)
				}
				v := st.TemplateVersions["ver_1"]
				if v == nil || v.Manifest.SleepTTLSeconds == nil || *v.Manifest.SleepTTLSeconds != 60 {
					t.Errorf("manifest not preserved: %+v", v)
				}
				if got := st.AuditLogs["aud_1"].Details["k"]; got != "v" {
					t.Errorf("audit details = %q, want %q", got, "v")
				}
				return nil
			})
			if err != nil {
				t.Fatalf("View() error = %v", err)
			}
		})
	}
}

func TestStore_ViewDiscardsMutations(t *testing.T) {
	ctx := context.Background()
	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			s := open(t, t.TempDir())
			defer s.Close()

			if err := s.Transact(ctx, func(st *flare.State) error { seed(st); return nil }); err != nil {
				t.Fatalf("Transact() error = %v", err)
			}
			_ = s.View(ctx, func(st *flare.State) error {
				st.Users["usr_1"].Email = "mallory@example.com"
				delete(st.AuditLogs, "aud_1")
				return nil
			})
			_ = s.View(ctx, func(st *flare.State) error {
				if st.Users["usr_1"].Email != "ada@example.com" {
					t.Errorf("View mutation leaked into store")
				}
				if st.AuditLogs["aud_1"] == nil {
					t.Errorf("View deletion leaked into store")
				}
				return nil
			})
		})
	}
}

func TestStore_DeletesPersist(t *testing.T) {
	ctx := context.Background()
	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			s := open(t, t.TempDir())
			defer s.Close()

			_ = s.Transact(ctx, func(st *flare.State) error { seed(st); return nil })
			if err := s.Transact(ctx, func(st *flare.State) error {
				delete(st.AuditLogs, "aud_1")
				st.Users["usr_1"].Name = "Ada"
				return nil
			}); err != nil {
				t.Fatalf("Transact() error = %v", err)
			}
			_ = s.View(ctx, func(st *flare.State) error {
				if len(st.AuditLogs) != 0 {
					t.Errorf("len(AuditLogs) = %d, want 0", len(st.AuditLogs))
				}
				if st.Users["usr_1"].Name != "Ada" {
					t.Errorf("Name = %q, want %q", st.Users["usr_1"].Name, "Ada")
				}
				return nil
			})
		})
	}
}

func TestStore_ConcurrentWritersSerialize(t *testing.T) {
	ctx := context.Background()
	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			s := open(t, t.TempDir())
			defer s.Close()

			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := s.Transact(ctx, func(st *flare.State) error {
						st.Seq++
						id := fmt.Sprintf("use_%d", i)
						st.UsageEvents[id] = &flare.UsageEvent{ID: id, Seq: st.Seq}
						return nil
					})
					if err != nil {
						t.Errorf("Transact() error = %v", err)
					}
				}(i)
			}
			wg.Wait()

			_ = s.View(ctx, func(st *flare.State) error {
				if st.Seq != n {
					t.Errorf("Seq = %d, want %d", st.Seq, n)
				}
				if len(st.UsageEvents) != n {
					t.Errorf("len(UsageEvents) = %d, want %d", len(st.UsageEvents), n)
				}
				return nil
			})
		})
	}
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"file", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			open := openers()[name]
			dir := t.TempDir()

			s := open(t, dir)
			if err := s.Transact(ctx, func(st *flare.State) error { seed(st); return nil }); err != nil {
				t.Fatalf("Transact() error = %v", err)
			}
			s.Close()

			reopened := open(t, dir)
			defer reopened.Close()
			_ = reopened.View(ctx, func(st *flare.State) error {
				if st.Seq != 1 || st.Users["usr_1"] == nil {
					t.Errorf("reopened state = seq %d users %d, want seq 1 with usr_1", st.Seq, len(st.Users))
				}
				return nil
			})
		})
	}
}

func TestSQLiteStore_SeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer a.Close()
	b, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer b.Close()

	// Prime a's cache before b writes.
	_ = a.View(ctx, func(st *flare.State) error { return nil })
	if err := b.Transact(ctx, func(st *flare.State) error { seed(st); return nil }); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	_ = a.View(ctx, func(st *flare.State) error {
		if st.Users["usr_1"] == nil {
			t.Error("store a did not observe store b's commit")
		}
		return nil
	})
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			s := open(t, t.TempDir())
			defer s.Close()
			called := false
			err := s.Transact(ctx, func(st *flare.State) error { called = true; return nil })
			if err == nil {
				t.Error("Transact() with canceled context expected error")
			}
			if called {
				t.Error("fn ran despite canceled context")
			}
		})
	}
}

func TestNewStoreFromConfig(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.StoreConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StoreConfig{Type: "memory"}},
		{name: "file", cfg: config.StoreConfig{Type: "file", Path: filepath.Join(dir, "s.bin")}},
		{name: "sqlite", cfg: config.StoreConfig{Type: "sqlite", Path: filepath.Join(dir, "s.db")}},
		{name: "file without path", cfg: config.StoreConfig{Type: "file"}, wantErr: true},
		{name: "sqlite without path", cfg: config.StoreConfig{Type: "sqlite"}, wantErr: true},
		{name: "unknown", cfg: config.StoreConfig{Type: "postgres"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStoreFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewStoreFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}
