package objects

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"burstflare/internal/flare"
)

// SealedStore encrypts every object with age before handing it to the
// underlying store, and decrypts on the way back out.
type SealedStore struct {
	inner     flare.ObjectStore
	recipient age.Recipient
	identity  age.Identity
}

// NewSealedStore wraps inner using the key pair at the given paths.
// The private key file holds an unencrypted X25519 identity.
func NewSealedStore(inner flare.ObjectStore, publicKeyPath, privateKeyPath string) (*SealedStore, error) {
	pubData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(pubData))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}

	privData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(privData))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}

	return &SealedStore{inner: inner, recipient: recipients[0], identity: identities[0]}, nil
}

// GenerateKeys writes a fresh X25519 key pair. The private key is written 0600.
func GenerateKeys(publicKeyPath, privateKeyPath string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	for _, p := range []string{publicKeyPath, privateKeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}
	if _, err := os.Stat(privateKeyPath); err == nil {
		return fmt.Errorf("private key already exists at %s", privateKeyPath)
	}

	if err := os.WriteFile(publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, []byte(identity.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	return nil
}

// Put encrypts the object into memory and stores the ciphertext.
func (s *SealedStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, s.recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	written, err := io.Copy(w, r)
	if err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	// The ciphertext is opaque to the backend.
	return s.inner.Put(ctx, key, &sealed, int64(sealed.Len()), "application/age-encryption")
}

// Get fetches the ciphertext and writes the decrypted object to w.
func (s *SealedStore) Get(ctx context.Context, key string, w io.Writer) error {
	var sealed bytes.Buffer
	if err := s.inner.Get(ctx, key, &sealed); err != nil {
		return err
	}
	r, err := age.Decrypt(&sealed, s.identity)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

var _ flare.ObjectStore = (*SealedStore)(nil)
