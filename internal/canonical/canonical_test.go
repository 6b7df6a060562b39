package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": true, "x": false}}
	b := map[string]any{"c": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}

	first, err := Marshal(a)
	require.NoError(t, err)
	second, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestMarshalNormalizesUnicode(t *testing.T) {
	// "é" precomposed vs combining sequence must hash identically.
	composed := "café"
	decomposed := "café"

	h1, err := Hash(map[string]any{"v": composed})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"v": decomposed})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, HashString(composed), HashString(decomposed))
}

func TestMarshalRawMessage(t *testing.T) {
	raw := json.RawMessage(`{"z": 1, "a": 2}`)
	first, err := Marshal(map[string]any{"data": raw})
	require.NoError(t, err)
	second, err := Marshal(map[string]any{"data": map[string]any{"a": 2, "z": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}

func TestHashStable(t *testing.T) {
	v := map[string]any{"sections": []any{1, 2, 3}, "name": "report"}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestMergeClientData(t *testing.T) {
	base := map[string]any{"tone": "formal", "audience": "internal"}
	override := map[string]any{"tone": "casual"}

	merged := MergeClientData(base, override)
	assert.Equal(t, "casual", merged["tone"])
	assert.Equal(t, "internal", merged["audience"])
	// Base must not be mutated.
	assert.Equal(t, "formal", base["tone"])

	assert.Empty(t, MergeClientData(nil, nil))
}

func TestFingerprintSensitivity(t *testing.T) {
	data := map[string]any{"k": "v"}
	f1, err := Fingerprint(1, data)
	require.NoError(t, err)
	f2, err := Fingerprint(2, data)
	require.NoError(t, err)
	f3, err := Fingerprint(1, map[string]any{"k": "w"})
	require.NoError(t, err)
	f4, err := Fingerprint(1, map[string]any{"k": "v"})
	require.NoError(t, err)

	assert.NotEqual(t, f1, f2, "section id must affect the fingerprint")
	assert.NotEqual(t, f1, f3, "client data must affect the fingerprint")
	assert.Equal(t, f1, f4)
}

func TestTrimForLog(t *testing.T) {
	assert.Equal(t, "short", TrimForLog("  short  ", 10))
	assert.Equal(t, "abcde...", TrimForLog("abcdefghij", 5))
}
