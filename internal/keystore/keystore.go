// Package keystore holds the trust material used to verify manifest
// signatures. Keys are registered by kid; reads run under a
// reader-writer discipline so concurrent journeys can resolve keys without
// contention.
package keystore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/wyysfzj/journey-runtime/internal/jws"
)

// KeyNotFoundError indicates no key is registered for a kid.
type KeyNotFoundError struct {
	Kid string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("keystore: key not found: %q", e.Kid)
}

// Store maps key ids to ECDSA public keys.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PublicKey
}

// New creates an empty store.
func New() *Store {
	return &Store{keys: make(map[string]*ecdsa.PublicKey)}
}

// Add registers a public key under kid, replacing any previous entry.
func (s *Store) Add(kid string, key *ecdsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kid] = key
}

// AddPEM registers a PEM-encoded public key (PKIX "PUBLIC KEY" block).
func (s *Store) AddPEM(kid string, pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return errors.New("keystore: no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("keystore: parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("keystore: %q is not an ECDSA key", kid)
	}
	s.Add(kid, key)
	return nil
}

// AddJWK registers an EC/P-256 JWK mapping.
func (s *Store) AddJWK(kid string, jwk map[string]string) error {
	key, err := jws.ParseECPublicKeyJWK(jwk)
	if err != nil {
		return err
	}
	s.Add(kid, key)
	return nil
}

// Resolve returns the key registered under kid.
func (s *Store) Resolve(kid string) (*ecdsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[kid]
	if !ok {
		return nil, &KeyNotFoundError{Kid: kid}
	}
	return key, nil
}

// Len returns the number of registered keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Refresh is the extension point for remote trust-material refresh. No
// refresh protocol exists yet; the current implementation keeps the
// registered keys as-is.
func (s *Store) Refresh() error {
	return nil
}
