package vfs

import (
	"errors"
	"testing"
	"time"
)

func TestTree_WriteRead(t *testing.T) {
	tree := NewTree([]string{"/workspace", "/home/flare/.config/"})

	if err := tree.WriteFile("/workspace/src/main.go", "package main\n"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := tree.ReadFile("/workspace/src/../src/main.go")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got != "package main\n" {
		t.Errorf("ReadFile() = %q", got)
	}
	if !tree.IsDir("/workspace/src") {
		t.Error("parent directory not created")
	}
	if !tree.IsDir("/home/flare") {
		t.Error("ancestor of a root is not navigable")
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"outside roots", "/etc/passwd", ErrNotPersisted},
		{"sibling with shared prefix", "/workspace2/a", ErrNotPersisted},
		{"write over directory", "/workspace/src", ErrIsDir},
		{"file as parent", "/workspace/src/main.go/x", ErrNotDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tree.WriteFile(tt.path, "x")
			if !errors.Is(err, tt.want) {
				t.Errorf("WriteFile(%q) error = %v, want %v", tt.path, err, tt.want)
			}
		})
	}

	if err := tree.WriteFile("relative", "x"); err == nil {
		t.Error("WriteFile accepted a relative path")
	}
	if _, err := tree.ReadFile("/workspace/missing"); !errors.Is(err, ErrNotExist) {
		t.Errorf("ReadFile(missing) error = %v, want ErrNotExist", err)
	}
}

func TestTree_ReadDir(t *testing.T) {
	tree := NewTree([]string{"/workspace"})
	_ = tree.WriteFile("/workspace/b.txt", "bb")
	_ = tree.WriteFile("/workspace/a/c.txt", "c")

	entries, err := tree.ReadDir("/workspace")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	want := []Entry{{Name: "a", IsDir: true}, {Name: "b.txt", Size: 2}}
	if len(entries) != len(want) {
		t.Fatalf("ReadDir() = %+v, want %+v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}

	root, err := tree.ReadDir("/")
	if err != nil || len(root) != 1 || root[0].Name != "workspace" {
		t.Errorf("ReadDir(/) = %+v, %v", root, err)
	}
	if _, err := tree.ReadDir("/workspace/b.txt"); !errors.Is(err, ErrNotDir) {
		t.Errorf("ReadDir(file) error = %v, want ErrNotDir", err)
	}
	if _, err := tree.ReadDir("/nope"); !errors.Is(err, ErrNotExist) {
		t.Errorf("ReadDir(missing) error = %v, want ErrNotExist", err)
	}
}

func TestTree_Home(t *testing.T) {
	if got := NewTree(nil).Home(); got != "/" {
		t.Errorf("Home() = %q, want /", got)
	}
	if got := NewTree([]string{"rel", "/b", "/a"}).Home(); got != "/b" {
		t.Errorf("Home() = %q, want /b", got)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tree := NewTree([]string{"/workspace"})
	_ = tree.WriteFile("/workspace/notes.md", "# notes")
	_ = tree.WriteFile("/workspace/tmp/scratch.log", "noise")
	_ = tree.WriteFile("/workspace/"+IgnoreFile, "*.log\n")

	env := tree.Export("ses_1", now)
	if env.Format != Format || env.SessionID != "ses_1" || !env.ExportedAt.Equal(now) {
		t.Fatalf("envelope header = %+v", env)
	}
	if len(env.Files) != 2 {
		t.Fatalf("exported %d files, want 2 (ignored log dropped): %+v", len(env.Files), env.Files)
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	restored, err := FromEnvelope(decoded, nil)
	if err != nil {
		t.Fatalf("FromEnvelope() error = %v", err)
	}
	if got, _ := restored.ReadFile("/workspace/notes.md"); got != "# notes" {
		t.Errorf("restored notes = %q", got)
	}
	if _, err := restored.ReadFile("/workspace/tmp/scratch.log"); !errors.Is(err, ErrNotExist) {
		t.Errorf("ignored file restored, error = %v", err)
	}
}

func TestFromEnvelope_DropsUnpersisted(t *testing.T) {
	env := &Envelope{
		Format:         Format,
		PersistedPaths: []string{"/workspace", "/data"},
		Files: []File{
			{Path: "/workspace/keep.txt", Content: "k"},
			{Path: "/data/old.txt", Content: "o"},
			{Path: "/etc/shadow", Content: "x"},
			{Path: "relative.txt", Content: "r"},
		},
	}

	tree, err := FromEnvelope(env, []string{"/workspace"})
	if err != nil {
		t.Fatalf("FromEnvelope() error = %v", err)
	}
	if tree.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tree.Len())
	}
	if _, err := tree.ReadFile("/workspace/keep.txt"); err != nil {
		t.Errorf("kept file missing: %v", err)
	}
}

func TestDecode_RejectsFormat(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"old format", `{"format":"burstflare.snapshot.v1","files":[]}`},
		{"no format", `{"files":[]}`},
		{"not json", `tar`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Error("Decode() expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	tree, err := Load(nil, []string{"/workspace"})
	if err != nil || tree.Len() != 0 || tree.Home() != "/workspace" {
		t.Errorf("Load(nil) = %v, %v", tree, err)
	}

	tree, err = Load([]byte("garbage"), []string{"/workspace"})
	if err == nil {
		t.Error("Load(garbage) expected error")
	}
	if tree == nil || tree.Home() != "/workspace" {
		t.Error("Load(garbage) should still return an empty tree")
	}
}

func TestTree_Modified(t *testing.T) {
	env := &Envelope{
		Format:         Format,
		PersistedPaths: []string{"/workspace"},
		Files:          []File{{Path: "/workspace/a.txt", Content: "a"}},
	}
	tree, err := FromEnvelope(env, nil)
	if err != nil {
		t.Fatalf("FromEnvelope() error = %v", err)
	}
	if tree.Modified() {
		t.Error("restored tree reports modified")
	}
	if err := tree.WriteFile("/etc/hosts", "x"); err == nil {
		t.Fatal("WriteFile outside roots succeeded")
	}
	if tree.Modified() {
		t.Error("rejected write marked the tree modified")
	}
	if err := tree.WriteFile("/workspace/b.txt", "b"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if !tree.Modified() {
		t.Error("written tree does not report modified")
	}
}
