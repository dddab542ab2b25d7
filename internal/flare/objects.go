package flare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrObjectNotFound is returned by ObjectStore.Get when a key holds no object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore provides an interface for blob storage backends.
// All operations stream through io.Reader/io.Writer.
type ObjectStore interface {
	// Put stores size bytes read from r under key, replacing any prior object.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get writes the object stored under key to w.
	// Returns an error wrapping ErrObjectNotFound if the key is absent.
	Get(ctx context.Context, key string, w io.Writer) error

	// Delete removes the object under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Blobs maps engine entities to deterministic object keys. A nil
// ObjectStore makes every write a no-op and every read a miss.
type Blobs struct {
	store ObjectStore
}

func NewBlobs(store ObjectStore) *Blobs { return &Blobs{store: store} }

func BundleKey(v *TemplateVersion) string {
	return fmt.Sprintf("workspaces/%s/templates/%s/versions/%s/bundle", v.WorkspaceID, v.TemplateID, v.ID)
}

func BuildLogKey(v *TemplateVersion) string {
	return fmt.Sprintf("workspaces/%s/templates/%s/versions/%s/build.log", v.WorkspaceID, v.TemplateID, v.ID)
}

func ArtifactKey(b *TemplateBuild) string {
	return fmt.Sprintf("workspaces/%s/templates/%s/builds/%s/artifact.json", b.WorkspaceID, b.TemplateID, b.ID)
}

func SnapshotKey(s *Snapshot) string {
	return fmt.Sprintf("workspaces/%s/sessions/%s/snapshots/%s", s.WorkspaceID, s.SessionID, s.ID)
}

func (b *Blobs) put(ctx context.Context, key string, data []byte, contentType string) error {
	if b.store == nil {
		return nil
	}
	if err := b.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("storing object %s: %w", key, err)
	}
	return nil
}

func (b *Blobs) get(ctx context.Context, key string) ([]byte, error) {
	if b.store == nil {
		return nil, ErrObjectNotFound
	}
	var buf bytes.Buffer
	if err := b.store.Get(ctx, key, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Blobs) delete(ctx context.Context, key string) error {
	if b.store == nil || key == "" {
		return nil
	}
	if err := b.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	return nil
}

func (b *Blobs) PutBundle(ctx context.Context, v *TemplateVersion, data []byte, contentType string) error {
	return b.put(ctx, BundleKey(v), data, contentType)
}

func (b *Blobs) GetBundle(ctx context.Context, v *TemplateVersion) ([]byte, error) {
	return b.get(ctx, BundleKey(v))
}

func (b *Blobs) DeleteBundle(ctx context.Context, v *TemplateVersion) error {
	return b.delete(ctx, BundleKey(v))
}

func (b *Blobs) PutBuildLog(ctx context.Context, v *TemplateVersion, log []byte) error {
	return b.put(ctx, BuildLogKey(v), log, "text/plain; charset=utf-8")
}

func (b *Blobs) GetBuildLog(ctx context.Context, v *TemplateVersion) ([]byte, error) {
	return b.get(ctx, BuildLogKey(v))
}

func (b *Blobs) DeleteBuildLog(ctx context.Context, v *TemplateVersion) error {
	return b.delete(ctx, BuildLogKey(v))
}

func (b *Blobs) PutArtifact(ctx context.Context, build *TemplateBuild, data []byte) error {
	return b.put(ctx, ArtifactKey(build), data, "application/json")
}

func (b *Blobs) GetArtifact(ctx context.Context, build *TemplateBuild) ([]byte, error) {
	return b.get(ctx, ArtifactKey(build))
}

func (b *Blobs) DeleteArtifact(ctx context.Context, build *TemplateBuild) error {
	return b.delete(ctx, ArtifactKey(build))
}

func (b *Blobs) PutSnapshot(ctx context.Context, s *Snapshot, data []byte, contentType string) error {
	return b.put(ctx, SnapshotKey(s), data, contentType)
}

func (b *Blobs) GetSnapshot(ctx context.Context, s *Snapshot) ([]byte, error) {
	return b.get(ctx, SnapshotKey(s))
}

func (b *Blobs) DeleteSnapshot(ctx context.Context, s *Snapshot) error {
	return b.delete(ctx, SnapshotKey(s))
}

// deleteKeys removes every key, logging rather than returning failures.
// It runs after the owning transaction has committed.
func (b *Blobs) deleteKeys(ctx context.Context, logger Logger, keys []string) {
	for _, key := range keys {
		if err := b.delete(ctx, key); err != nil {
			logger.Warn("object cleanup failed", "key", key, "error", err)
		}
	}
}
