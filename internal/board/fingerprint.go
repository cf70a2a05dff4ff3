package board

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Canonicalize re-serializes an item document into a stable byte form.
// encoding/json sorts map keys on marshal, so two documents that differ only
// in key order canonicalize identically.
func Canonicalize(document json.RawMessage) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(document, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}

// Fingerprint computes the SHA-256 hex digest of the canonical serialization.
// It is a change-detection oracle, not a security primitive.
func Fingerprint(document json.RawMessage) (string, error) {
	canonical, err := Canonicalize(document)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
