package jws

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize transforms a JSON document into its canonical form: keys
// sorted lexicographically at every nesting level, compact separators, no
// escaped forward slashes. Signature verification depends on reproducing
// the signer's canonicalization exactly.
func Canonicalize(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// CanonicalizeValue marshals v and canonicalizes the result.
func CanonicalizeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: encode: %w", err)
	}
	return Canonicalize(bytes.TrimRight(buf.Bytes(), "\n"))
}

// StripTopLevelField removes one top-level field from a JSON object and
// returns the canonical serialization of the remainder. Values of the other
// fields are preserved byte-for-byte before canonicalization so numbers do
// not lose precision on the round trip.
func StripTopLevelField(raw []byte, field string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("strip %q: %w", field, err)
	}
	delete(doc, field)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("strip %q: encode: %w", field, err)
	}
	return Canonicalize(bytes.TrimRight(buf.Bytes(), "\n"))
}
