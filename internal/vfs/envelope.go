package vfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Format identifies the snapshot envelope version.
const Format = "burstflare.snapshot.v2"

// ContentType is the media type of an encoded envelope.
const ContentType = "application/vnd.burstflare.snapshot+json"

var ErrUnsupportedFormat = errors.New("unsupported snapshot format")

// File is one exported file.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Envelope is the snapshot wire format.
type Envelope struct {
	Format         string    `json:"format"`
	SessionID      string    `json:"sessionId"`
	ExportedAt     time.Time `json:"exportedAt"`
	PersistedPaths []string  `json:"persistedPaths"`
	Files          []File    `json:"files"`
}

// Encode marshals env as JSON.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot envelope: %w", err)
	}
	return data, nil
}

// Decode parses and checks the format of an encoded envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding snapshot envelope: %w", err)
	}
	if env.Format != Format {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, env.Format)
	}
	return &env, nil
}

// Load rebuilds the tree for a session from snapshot data. Missing or
// unreadable data yields an empty tree over persisted.
func Load(data []byte, persisted []string) (*Tree, error) {
	if len(data) == 0 {
		return NewTree(persisted), nil
	}
	env, err := Decode(data)
	if err != nil {
		return NewTree(persisted), err
	}
	return FromEnvelope(env, persisted)
}
