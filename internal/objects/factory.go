package objects

import (
	"context"
	"fmt"

	"burstflare/internal/config"
	"burstflare/internal/flare"
)

// NewObjectStoreFromConfig creates an ObjectStore based on the objects config
// type, sealed with age when encryption is enabled.
func NewObjectStoreFromConfig(ctx context.Context, cfg config.ObjectsConfig, enc config.EncryptionConfig) (flare.ObjectStore, error) {
	var store flare.ObjectStore
	switch cfg.Type {
	case "memory":
		store = NewMemoryStore()
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem object store requires root to be set")
		}
		fs, err := NewFileSystemStore(cfg.Root)
		if err != nil {
			return nil, err
		}
		store = fs
	case "s3":
		s3, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, fmt.Errorf("unknown object store type: %s", cfg.Type)
	}

	switch enc.Type {
	case "", "none":
		return store, nil
	case "age":
		sealed, err := NewSealedStore(store, enc.PublicKeyPath, enc.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return sealed, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", enc.Type)
	}
}
