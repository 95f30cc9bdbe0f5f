// Package jsonutil holds the JSON helpers shared by the wire protocol and
// the cache-key code.
package jsonutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// MarshalNoEscape encodes v into JSON without escaping <, >, & into <,
// etc. Values cross the worker pipe and come back for cache storage; keeping
// them byte-stable regardless of HTML escaping keeps fingerprints stable too.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Remove trailing newline from json.Encoder.Encode
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Fingerprint hashes the JSON form of parts into a short stable identifier.
func Fingerprint(parts ...any) (string, error) {
	b, err := MarshalNoEscape(parts)
	if err != nil {
		return "", fmt.Errorf("jsonutil: fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:])[:16], nil
}

// MustFingerprint is Fingerprint for parts known to be JSON-serializable;
// anything else degrades to the Go syntax representation of the input.
func MustFingerprint(parts ...any) string {
	fp, err := Fingerprint(parts...)
	if err != nil {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", parts)))
		return fmt.Sprintf("%x", sum[:])[:16]
	}
	return fp
}
