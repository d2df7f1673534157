// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization, used by the mutation pipeline to detect no-op patches and
// to compare a persisted contract against the one a client submitted.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return canonical, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Equal reports whether a and b have the same canonical JSON
// representation — used by the patch pipeline's no-op check (a patch that
// round-trips to an identical contract commits no write and emits no
// change event).
func Equal(a, b interface{}) (bool, error) {
	ha, err := JCS(a)
	if err != nil {
		return false, err
	}
	hb, err := JCS(b)
	if err != nil {
		return false, err
	}
	return string(ha) == string(hb), nil
}
