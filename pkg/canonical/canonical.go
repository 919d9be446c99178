// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and NFC text normalization for everything the engine hashes
// or signs as JSON: adapter manifests, flow parameters, archive segments.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JSON returns the RFC 8785 canonical JSON encoding of v: keys sorted by
// UTF-16 code units, no HTML escaping, shortest-form numbers.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns "sha256:<hex>" over the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "sha256:<hex>" over raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NFC returns the NFC normalization of s. Applied to manifest names and
// labels before they participate in any hash, so visually identical strings
// cannot produce distinct registry identities.
func NFC(s string) string {
	return norm.NFC.String(s)
}
