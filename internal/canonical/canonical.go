// Package canonical produces byte-stable serializations for fingerprinting.
// Two processes canonicalizing the same logical value must emit identical
// bytes, so hashes computed here are comparable across runs and machines.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Marshal serializes v into canonical JSON: object keys sorted, strings
// NFC-normalized, no insignificant whitespace.
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// Hash returns the SHA-256 hex digest of the canonical serialization of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the SHA-256 hex digest of an NFC-normalized string.
func HashString(s string) string {
	return HashBytes([]byte(norm.NFC.String(s)))
}

// normalize converts v into a tree of maps, slices and scalars that
// encoding/json serializes deterministically. Maps are fine as-is because
// encoding/json sorts map keys, but we rebuild them anyway so arbitrary
// struct inputs and json.RawMessage round-trip through the same shape.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return norm.NFC.String(t), nil
	case bool, float64, int, int32, int64, uint, uint32, uint64, json.Number:
		return t, nil
	case []byte:
		return string(t), nil
	case json.RawMessage:
		var decoded any
		if len(t) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(t, &decoded); err != nil {
			return nil, fmt.Errorf("canonical: invalid raw message: %w", err)
		}
		return normalize(decoded)
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		// Structs and other composites: round-trip through JSON into the
		// map/slice shape above.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: marshal %T: %w", v, err)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, err
		}
		// Avoid infinite recursion for values that decode to themselves.
		if s, ok := decoded.(string); ok {
			return norm.NFC.String(s), nil
		}
		return normalize(decoded)
	}
}

// MergeClientData overlays per-section overrides onto base client data.
// Top-level keys from override win; the result is a fresh map.
func MergeClientData(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// Fingerprint computes the per-section input hash: a deterministic function
// of the section id and the canonicalized client data (base merged with the
// per-section override).
func Fingerprint(sectionID int64, clientData map[string]any) (string, error) {
	payload := map[string]any{
		"section_id":  sectionID,
		"client_data": clientData,
	}
	return Hash(payload)
}

// TrimForLog shortens long content for log fields.
func TrimForLog(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
