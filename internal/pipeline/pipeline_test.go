package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neuraworks/neurareport/internal/artifact"
)

func TestCanonicalJSONSHA(t *testing.T) {
	type doc struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	// Key order cannot leak in: struct order and map order hash identically.
	structSHA := CanonicalJSONSHA(doc{A: "1", B: "2"})
	mapSHA := CanonicalJSONSHA(map[string]string{"b": "2", "a": "1"})
	require.Equal(t, structSHA, mapSHA)

	require.NotEqual(t, structSHA, CanonicalJSONSHA(map[string]string{"b": "2", "a": "x"}))

	// nil hashes the literal null.
	require.Equal(t, artifact.SHA256Hex([]byte("null")), CanonicalJSONSHA(nil))

	// Nested maps are sorted recursively.
	a := CanonicalJSONSHA(map[string]any{"outer": map[string]any{"z": 1, "a": 2}})
	b := CanonicalJSONSHA(map[string]any{"outer": map[string]any{"a": 2, "z": 1}})
	require.Equal(t, a, b)
}

func TestStripCodeFence(t *testing.T) {
	require.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
	require.Equal(t, `{"a":1}`, stripCodeFence("  {\"a\":1}  "))
}

func TestDecodeValidated(t *testing.T) {
	var out autoMapResponse
	err := decodeValidated("automap", autoMapSchemaJSON, `{"mapping":{"a":"t.c"},"token_samples":{"a":"x"}}`, &out)
	require.NoError(t, err)
	require.Equal(t, "t.c", out.Mapping["a"])

	err = decodeValidated("automap", autoMapSchemaJSON, `not json`, &out)
	require.ErrorContains(t, err, "not valid JSON")

	// Schema violation: mapping values must be strings.
	err = decodeValidated("automap", autoMapSchemaJSON, `{"mapping":{"a":1},"token_samples":{}}`, &out)
	require.ErrorContains(t, err, "schema")
}

func TestCacheStateFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o644))

	require.NoError(t, writeCacheState(dir, "demo", "key-1", []string{"out.json"}))
	cs := loadCacheState(dir, "demo")
	require.NotNil(t, cs)
	require.True(t, cs.fresh(dir, "key-1"))
	require.False(t, cs.fresh(dir, "key-2"))

	// Mutating a recorded output invalidates the hit.
	require.NoError(t, os.WriteFile(path, []byte(`{"v":2}`), 0o644))
	require.False(t, cs.fresh(dir, "key-1"))

	var nilCS *cacheState
	require.False(t, nilCS.fresh(dir, "key-1"))
	require.Nil(t, loadCacheState(dir, "absent"))
}

func TestRequireStageFile(t *testing.T) {
	dir := t.TempDir()
	_, _, err := requireStageFile(dir, "template_p1.html")
	require.ErrorContains(t, err, "run the earlier stage first")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "template_p1.html"), []byte("<html/>"), 0o644))
	b, sha, err := requireStageFile(dir, "template_p1.html")
	require.NoError(t, err)
	require.Equal(t, "<html/>", string(b))
	require.Equal(t, artifact.SHA256Hex([]byte("<html/>")), sha)
}
