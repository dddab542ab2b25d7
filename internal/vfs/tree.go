// Package vfs is the in-memory file tree a session shell works on, and the
// JSON envelope that carries it in and out of snapshots.
package vfs

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotPersisted = errors.New("path is outside the persisted paths")
	ErrNotExist     = errors.New("no such file or directory")
	ErrIsDir        = errors.New("is a directory")
	ErrNotDir       = errors.New("not a directory")
)

// Entry is one item of a directory listing.
type Entry struct {
	Name  string
	IsDir bool
	Size  int
}

// Tree holds files under a fixed set of absolute root directories. Parent
// directories of every root are visible so the tree can be navigated from /.
type Tree struct {
	mu       sync.RWMutex
	roots    []string
	files    map[string]string
	dirs     map[string]bool
	modified bool
}

// NewTree returns an empty tree rooted at persisted. Relative or empty
// entries are skipped.
func NewTree(persisted []string) *Tree {
	t := &Tree{files: map[string]string{}, dirs: map[string]bool{"/": true}}
	seen := map[string]bool{}
	for _, p := range persisted {
		if !path.IsAbs(p) {
			continue
		}
		p = path.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		t.roots = append(t.roots, p)
		t.mkdirAll(p)
	}
	return t
}

// Roots returns the persisted root directories in declaration order.
func (t *Tree) Roots() []string {
	return append([]string(nil), t.roots...)
}

// Home is the directory a shell starts in: the first root, or / without roots.
func (t *Tree) Home() string {
	if len(t.roots) == 0 {
		return "/"
	}
	return t.roots[0]
}

// Persisted reports whether p lies at or under one of the roots.
func (t *Tree) Persisted(p string) bool {
	return t.rootOf(path.Clean(p)) != ""
}

func (t *Tree) rootOf(p string) string {
	for _, r := range t.roots {
		if p == r || r == "/" || strings.HasPrefix(p, r+"/") {
			return r
		}
	}
	return ""
}

func (t *Tree) mkdirAll(p string) {
	for p != "/" {
		t.dirs[p] = true
		p = path.Dir(p)
	}
}

func clean(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("%s: path must be absolute", p)
	}
	return path.Clean(p), nil
}

// WriteFile creates or replaces the file at p, creating parent directories
// inside its root.
func (t *Tree) WriteFile(p, content string) error {
	p, err := clean(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootOf(p) == "" {
		return fmt.Errorf("%s: %w", p, ErrNotPersisted)
	}
	if t.dirs[p] {
		return fmt.Errorf("%s: %w", p, ErrIsDir)
	}
	for d := path.Dir(p); d != "/"; d = path.Dir(d) {
		if _, ok := t.files[d]; ok {
			return fmt.Errorf("%s: %w", d, ErrNotDir)
		}
	}
	t.mkdirAll(path.Dir(p))
	t.files[p] = content
	t.modified = true
	return nil
}

// Modified reports whether any file was written since the tree was built or
// restored.
func (t *Tree) Modified() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modified
}

// ReadFile returns the content of the file at p.
func (t *Tree) ReadFile(p string) (string, error) {
	p, err := clean(p)
	if err != nil {
		return "", err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.dirs[p] {
		return "", fmt.Errorf("%s: %w", p, ErrIsDir)
	}
	content, ok := t.files[p]
	if !ok {
		return "", fmt.Errorf("%s: %w", p, ErrNotExist)
	}
	return content, nil
}

// IsDir reports whether p is a directory of the tree.
func (t *Tree) IsDir(p string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirs[path.Clean(p)]
}

// ReadDir lists the direct children of directory p, sorted by name.
func (t *Tree) ReadDir(p string) ([]Entry, error) {
	p, err := clean(p)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.dirs[p] {
		if _, ok := t.files[p]; ok {
			return nil, fmt.Errorf("%s: %w", p, ErrNotDir)
		}
		return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
	}
	var out []Entry
	for d := range t.dirs {
		if d != "/" && path.Dir(d) == p {
			out = append(out, Entry{Name: path.Base(d), IsDir: true})
		}
	}
	for f, content := range t.files {
		if path.Dir(f) == p {
			out = append(out, Entry{Name: path.Base(f), Size: len(content)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Len returns the number of files.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

// Export captures the tree as a snapshot envelope. Files matched by a root's
// ignore file are left out.
func (t *Tree) Export(sessionID string, now time.Time) *Envelope {
	t.mu.RLock()
	defer t.mu.RUnlock()

	matchers := map[string]*IgnoreMatcher{}
	for _, r := range t.roots {
		if content, ok := t.files[path.Join(r, IgnoreFile)]; ok {
			matchers[r] = ParseIgnore(content)
		}
	}

	env := &Envelope{
		Format:         Format,
		SessionID:      sessionID,
		ExportedAt:     now.UTC(),
		PersistedPaths: t.Roots(),
		Files:          []File{},
	}
	for p, content := range t.files {
		root := t.rootOf(p)
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		if matchers[root].Match(rel) {
			continue
		}
		env.Files = append(env.Files, File{Path: p, Content: content})
	}
	sort.Slice(env.Files, func(i, j int) bool { return env.Files[i].Path < env.Files[j].Path })
	return env
}

// FromEnvelope rebuilds a tree from env. Roots come from persisted, or from
// the envelope when persisted is empty; files outside the roots are dropped.
func FromEnvelope(env *Envelope, persisted []string) (*Tree, error) {
	if env.Format != Format {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, env.Format)
	}
	if len(persisted) == 0 {
		persisted = env.PersistedPaths
	}
	t := NewTree(persisted)
	for _, f := range env.Files {
		if !path.IsAbs(f.Path) || !t.Persisted(f.Path) {
			continue
		}
		if err := t.WriteFile(f.Path, f.Content); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", f.Path, err)
		}
	}
	t.modified = false
	return t, nil
}
