package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"burstflare/internal/flare"
	"burstflare/internal/store/migrations"
)

// collection maps one State field onto rows of the records table.
type collection struct {
	name string
	load func(st *flare.State, id string, body []byte) error
	dump func(st *flare.State) (map[string][]byte, error)
}

func newCollection[T any](name string, field func(*flare.State) map[string]*T) collection {
	return collection{
		name: name,
		load: func(st *flare.State, id string, body []byte) error {
			v := new(T)
			if err := unmarshal(body, v); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", name, id, err)
			}
			field(st)[id] = v
			return nil
		},
		dump: func(st *flare.State) (map[string][]byte, error) {
			out := make(map[string][]byte, len(field(st)))
			for id, v := range field(st) {
				body, err := marshal(v)
				if err != nil {
					return nil, fmt.Errorf("encoding %s/%s: %w", name, id, err)
				}
				out[id] = body
			}
			return out, nil
		},
	}
}

var collections = []collection{
	newCollection("users", func(s *flare.State) map[string]*flare.User { return s.Users }),
	newCollection("workspaces", func(s *flare.State) map[string]*flare.Workspace { return s.Workspaces }),
	newCollection("memberships", func(s *flare.State) map[string]*flare.Membership { return s.Memberships }),
	newCollection("workspace_invites", func(s *flare.State) map[string]*flare.WorkspaceInvite { return s.WorkspaceInvites }),
	newCollection("auth_tokens", func(s *flare.State) map[string]*flare.AuthToken { return s.AuthTokens }),
	newCollection("device_codes", func(s *flare.State) map[string]*flare.DeviceCode { return s.DeviceCodes }),
	newCollection("templates", func(s *flare.State) map[string]*flare.Template { return s.Templates }),
	newCollection("template_versions", func(s *flare.State) map[string]*flare.TemplateVersion { return s.TemplateVersions }),
	newCollection("template_builds", func(s *flare.State) map[string]*flare.TemplateBuild { return s.TemplateBuilds }),
	newCollection("binding_releases", func(s *flare.State) map[string]*flare.BindingRelease { return s.BindingReleases }),
	newCollection("sessions", func(s *flare.State) map[string]*flare.Session { return s.Sessions }),
	newCollection("session_events", func(s *flare.State) map[string]*flare.SessionEvent { return s.SessionEvents }),
	newCollection("snapshots", func(s *flare.State) map[string]*flare.Snapshot { return s.Snapshots }),
	newCollection("upload_grants", func(s *flare.State) map[string]*flare.UploadGrant { return s.UploadGrants }),
	newCollection("usage_events", func(s *flare.State) map[string]*flare.UsageEvent { return s.UsageEvents }),
	newCollection("audit_logs", func(s *flare.State) map[string]*flare.AuditLog { return s.AuditLogs }),
}

var collectionsByName = func() map[string]collection {
	m := make(map[string]collection, len(collections))
	for _, c := range collections {
		m[c.name] = c
	}
	return m
}()

// snapshot is a loaded state together with the encoded rows it came from.
type snapshot struct {
	version int64
	state   *flare.State
	rows    map[string]map[string][]byte
}

// SQLiteStore persists each entity as a CBOR row. Transactions hold the
// SQLite write lock for their whole duration, and a version counter in the
// meta table lets the process reuse its decoded copy until another writer
// commits.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu    sync.Mutex
	cache *snapshot
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates it to the latest schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection. Transactions
// begin IMMEDIATE so that concurrent writers queue on the busy timeout
// instead of failing at commit.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Transact(ctx context.Context, fn func(*flare.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	snap, err := s.current(ctx, tx)
	if err != nil {
		return err
	}
	work, err := cloneState(snap.state)
	if err != nil {
		return err
	}
	if err := fn(work); err != nil {
		return err
	}

	rows, err := dumpRows(work)
	if err != nil {
		return err
	}
	if err := writeDiff(ctx, tx, snap.rows, rows); err != nil {
		return err
	}
	version := snap.version + 1
	if _, err := tx.ExecContext(ctx, "UPDATE meta SET value = ? WHERE key = 'version'", version); err != nil {
		return fmt.Errorf("bumping version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE meta SET value = ? WHERE key = 'seq'", work.Seq); err != nil {
		return fmt.Errorf("storing sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.cache = &snapshot{version: version, state: work, rows: rows}
	return nil
}

func (s *SQLiteStore) View(ctx context.Context, fn func(*flare.State) error) error {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("starting transaction: %w", err)
	}
	snap, err := s.current(ctx, tx)
	tx.Rollback()
	var work *flare.State
	if err == nil {
		work, err = cloneState(snap.state)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(work)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// current returns the committed state, reloading it when another writer
// has bumped the version since the cache was filled.
func (s *SQLiteStore) current(ctx context.Context, tx *sql.Tx) (*snapshot, error) {
	var version int64
	if err := tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'version'").Scan(&version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if s.cache != nil && s.cache.version == version {
		return s.cache, nil
	}

	snap := &snapshot{version: version, state: flare.NewState(), rows: map[string]map[string][]byte{}}
	if err := tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'seq'").Scan(&snap.state.Seq); err != nil {
		return nil, fmt.Errorf("reading sequence: %w", err)
	}

	rs, err := tx.QueryContext(ctx, "SELECT collection, id, body FROM records")
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}
	defer rs.Close()
	for rs.Next() {
		var name, id string
		var body []byte
		if err := rs.Scan(&name, &id, &body); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		c, ok := collectionsByName[name]
		if !ok {
			return nil, fmt.Errorf("unknown collection %q", name)
		}
		if err := c.load(snap.state, id, body); err != nil {
			return nil, err
		}
		if snap.rows[name] == nil {
			snap.rows[name] = map[string][]byte{}
		}
		snap.rows[name][id] = body
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}

	s.cache = snap
	return snap, nil
}

func dumpRows(st *flare.State) (map[string]map[string][]byte, error) {
	out := make(map[string]map[string][]byte, len(collections))
	for _, c := range collections {
		rows, err := c.dump(st)
		if err != nil {
			return nil, err
		}
		out[c.name] = rows
	}
	return out, nil
}

// writeDiff upserts changed rows and deletes removed ones.
func writeDiff(ctx context.Context, tx *sql.Tx, before, after map[string]map[string][]byte) error {
	upsert, err := tx.PrepareContext(ctx,
		"INSERT INTO records (collection, id, body) VALUES (?, ?, ?) "+
			"ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body")
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer upsert.Close()
	del, err := tx.PrepareContext(ctx, "DELETE FROM records WHERE collection = ? AND id = ?")
	if err != nil {
		return fmt.Errorf("preparing delete: %w", err)
	}
	defer del.Close()

	for _, c := range collections {
		old, cur := before[c.name], after[c.name]
		for id, body := range cur {
			if prev, ok := old[id]; ok && bytes.Equal(prev, body) {
				continue
			}
			if _, err := upsert.ExecContext(ctx, c.name, id, body); err != nil {
				return fmt.Errorf("writing %s/%s: %w", c.name, id, err)
			}
		}
		for id := range old {
			if _, ok := cur[id]; ok {
				continue
			}
			if _, err := del.ExecContext(ctx, c.name, id); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", c.name, id, err)
			}
		}
	}
	return nil
}

var _ flare.Store = (*SQLiteStore)(nil)
