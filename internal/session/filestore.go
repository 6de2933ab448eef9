package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// FileStore is an encrypted file-backed Store: the Go analog of a platform
// keychain slot. Each (service, account) pair maps to one file whose
// contents are sealed with AES-GCM under a key derived from the device
// secret via HKDF.
type FileStore struct {
	dir    string
	secret []byte
}

// NewFileStore creates a store rooted at dir. The secret is the
// device-bound key material the embedder supplies; data written by one
// secret is unreadable under another.
func NewFileStore(dir string, secret []byte) (*FileStore, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session: file store requires a secret")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create store dir: %w", err)
	}
	return &FileStore{dir: dir, secret: secret}, nil
}

func (s *FileStore) path(service, account string) string {
	sum := sha256.Sum256([]byte(slotKey(service, account)))
	return filepath.Join(s.dir, fmt.Sprintf("%x.bin", sum[:16]))
}

func (s *FileStore) gcm(service, account string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, s.secret, []byte("journey-runtime-snapshot"), []byte(slotKey(service, account)))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("session: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("session: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Set seals data into the slot file.
func (s *FileStore) Set(service, account string, data []byte) error {
	gcm, err := s.gcm(service, account)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("session: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, data, nil)

	if err := os.WriteFile(s.path(service, account), sealed, 0o600); err != nil {
		return fmt.Errorf("session: write slot: %w", err)
	}
	return nil
}

// Get opens the slot file and unseals its contents.
func (s *FileStore) Get(service, account string) ([]byte, error) {
	sealed, err := os.ReadFile(s.path(service, account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: read slot: %w", err)
	}

	gcm, err := s.gcm(service, account)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("session: slot too short")
	}

	data, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("session: unseal slot: %w", err)
	}
	return data, nil
}

// Delete removes the slot file.
func (s *FileStore) Delete(service, account string) error {
	err := os.Remove(s.path(service, account))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: delete slot: %w", err)
	}
	return nil
}
