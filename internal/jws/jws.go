// Package jws implements the ES256 compact JWS operations the runtime
// depends on: detached signatures over canonical JSON for manifests, and
// attached signatures for bridge envelopes and session proofs.
package jws

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var b64 = base64.RawURLEncoding

// ErrMalformed indicates a compact serialization that does not have the
// expected segment structure.
var ErrMalformed = errors.New("jws: malformed compact serialization")

// ErrAlgorithm indicates a header algorithm other than ES256.
var ErrAlgorithm = errors.New("jws: unsupported algorithm")

// Header is the protected JWS header.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Typ string `json:"typ,omitempty"`
}

// KeyResolver resolves a key id to an ECDSA public key.
type KeyResolver func(kid string) (*ecdsa.PublicKey, error)

// ParseDetachedHeader decodes the header segment of a detached compact
// serialization ("header..signature") and returns it along with the raw
// header and signature segments.
func ParseDetachedHeader(compact string) (Header, string, string, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 || parts[1] != "" {
		return Header{}, "", "", ErrMalformed
	}

	headerJSON, err := b64.DecodeString(parts[0])
	if err != nil {
		return Header{}, "", "", fmt.Errorf("%w: header segment", ErrMalformed)
	}
	var h Header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return Header{}, "", "", fmt.Errorf("%w: header json", ErrMalformed)
	}
	return h, parts[0], parts[2], nil
}

// VerifyDetached verifies a detached compact JWS against an externally
// reconstructed payload. The signing input is ASCII(header '.' b64(payload)).
func VerifyDetached(compact string, payload []byte, resolve KeyResolver) error {
	h, headerSeg, sigSeg, err := ParseDetachedHeader(compact)
	if err != nil {
		return err
	}
	if h.Alg != "ES256" {
		return fmt.Errorf("%w: %q", ErrAlgorithm, h.Alg)
	}

	key, err := resolve(h.Kid)
	if err != nil {
		return err
	}

	sig, err := b64.DecodeString(sigSeg)
	if err != nil {
		return fmt.Errorf("%w: signature segment", ErrMalformed)
	}

	signingInput := headerSeg + "." + b64.EncodeToString(payload)
	return jwt.SigningMethodES256.Verify(signingInput, sig, key)
}

// Signer signs payloads with an ES256 private key.
type Signer struct {
	key *ecdsa.PrivateKey
	kid string
}

// NewSigner wraps an existing P-256 private key.
func NewSigner(key *ecdsa.PrivateKey, kid string) (*Signer, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return nil, errors.New("jws: signer requires a P-256 key")
	}
	return &Signer{key: key, kid: kid}, nil
}

// NewEphemeralSigner generates a fresh P-256 key for this process. The
// corresponding public key is available via PublicJWK; distributing it to
// verifiers is the embedder's concern.
func NewEphemeralSigner(kid string) (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jws: generate key: %w", err)
	}
	return &Signer{key: key, kid: kid}, nil
}

// Kid returns the signer's key id.
func (s *Signer) Kid() string { return s.kid }

// Public returns the signer's public key.
func (s *Signer) Public() *ecdsa.PublicKey { return &s.key.PublicKey }

// PublicJWK returns the public key as a JWK mapping.
func (s *Signer) PublicJWK() map[string]string {
	size := (s.key.Curve.Params().BitSize + 7) / 8
	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"kid": s.kid,
		"x":   b64.EncodeToString(s.key.X.FillBytes(make([]byte, size))),
		"y":   b64.EncodeToString(s.key.Y.FillBytes(make([]byte, size))),
	}
}

func (s *Signer) headerSegment() (string, error) {
	headerJSON, err := json.Marshal(Header{Alg: "ES256", Kid: s.kid})
	if err != nil {
		return "", fmt.Errorf("jws: marshal header: %w", err)
	}
	return b64.EncodeToString(headerJSON), nil
}

// SignCompact produces an attached compact serialization
// header.payload.signature over the given payload bytes.
func (s *Signer) SignCompact(payload []byte) (string, error) {
	headerSeg, err := s.headerSegment()
	if err != nil {
		return "", err
	}
	signingInput := headerSeg + "." + b64.EncodeToString(payload)
	sig, err := jwt.SigningMethodES256.Sign(signingInput, s.key)
	if err != nil {
		return "", fmt.Errorf("jws: sign: %w", err)
	}
	return signingInput + "." + b64.EncodeToString(sig), nil
}

// SignDetached produces a detached compact serialization header..signature.
// The payload segment is empty; verifiers reconstruct it externally.
func (s *Signer) SignDetached(payload []byte) (string, error) {
	attached, err := s.SignCompact(payload)
	if err != nil {
		return "", err
	}
	parts := strings.Split(attached, ".")
	return parts[0] + ".." + parts[2], nil
}

// ParseECPublicKeyJWK converts an EC JWK mapping to an ECDSA public key.
func ParseECPublicKeyJWK(jwk map[string]string) (*ecdsa.PublicKey, error) {
	if jwk["kty"] != "EC" || jwk["crv"] != "P-256" {
		return nil, errors.New("jws: jwk must be EC/P-256")
	}
	xb, err := b64.DecodeString(jwk["x"])
	if err != nil {
		return nil, fmt.Errorf("jws: jwk x: %w", err)
	}
	yb, err := b64.DecodeString(jwk["y"])
	if err != nil {
		return nil, fmt.Errorf("jws: jwk y: %w", err)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("jws: jwk point not on curve")
	}
	return pub, nil
}
