package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/catalog"
	"github.com/neuraworks/neurareport/internal/config"
	"github.com/neuraworks/neurareport/internal/llm"
	"github.com/neuraworks/neurareport/internal/render"
	"github.com/neuraworks/neurareport/internal/state"
)

// PromptVersion participates in every stage cache key; bump it when a prompt
// changes so stale cached outputs are recomputed.
const PromptVersion = "v3"

const (
	MappingInlineMaxAttempts = 5
	CorrectionsMaxAttempts   = 2
	ContractMaxAttempts      = 3
	GeneratorMaxAttempts     = 3
	VerifyMaxAttempts        = 3
)

// Pipeline runs the five template stages. Each stage is cache-keyed,
// lock-guarded, and schema-validated; outputs land atomically in the
// template directory with a manifest update.
type Pipeline struct {
	Artifacts *artifact.Store
	State     *state.Store
	LLM       *llm.Client
	Catalogs  *catalog.Cache
	Settings  *config.Settings
	Collab    render.Collaborators

	log *logrus.Entry
}

func New(artifacts *artifact.Store, st *state.Store, client *llm.Client, catalogs *catalog.Cache, settings *config.Settings, collab render.Collaborators) *Pipeline {
	return &Pipeline{
		Artifacts: artifacts,
		State:     st,
		LLM:       client,
		Catalogs:  catalogs,
		Settings:  settings,
		Collab:    collab,
		log:       logrus.WithField("component", "pipeline"),
	}
}

// ExtractionSchema is the stage-1 token inventory persisted as
// schema_ext.json.
type ExtractionSchema struct {
	Scalars   []string `json:"scalars"`
	RowTokens []string `json:"row_tokens"`
	Totals    []string `json:"totals"`
	Notes     string   `json:"notes,omitempty"`
}

func (s *ExtractionSchema) All() []string {
	out := make([]string, 0, len(s.Scalars)+len(s.RowTokens)+len(s.Totals))
	out = append(out, s.Scalars...)
	out = append(out, s.RowTokens...)
	out = append(out, s.Totals...)
	return out
}

// CanonicalJSONSHA is sha256 over the canonical (sorted-keys) JSON encoding
// of v; nil hashes the literal "null".
func CanonicalJSONSHA(v any) string {
	b := canonicalJSON(v)
	return artifact.SHA256Hex(b)
}

func canonicalJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	// Round-trip through map decoding so struct field order cannot leak in.
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	var b strings.Builder
	writeCanonical(&b, generic)
	return []byte(b.String())
}

func writeCanonical(b *strings.Builder, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, x[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		eb, _ := json.Marshal(x)
		b.Write(eb)
	}
}

// cacheState is the sidecar recording a stage's cache key and the checksums
// of the files it produced. A hit requires the key to match and every file
// to still carry its recorded checksum.
type cacheState struct {
	Key   string            `json:"key"`
	Files map[string]string `json:"files"` // relpath -> sha256
}

func cacheFileName(stage string) string { return "cache_" + stage + ".json" }

func loadCacheState(dir, stage string) *cacheState {
	var cs cacheState
	if err := artifact.ReadJSON(filepath.Join(dir, cacheFileName(stage)), &cs); err != nil {
		return nil
	}
	return &cs
}

func (cs *cacheState) fresh(dir, key string) bool {
	if cs == nil || cs.Key != key {
		return false
	}
	for rel, want := range cs.Files {
		got, err := artifact.FileSHA256(filepath.Join(dir, rel))
		if err != nil || got != want {
			return false
		}
	}
	return true
}

func writeCacheState(dir, stage, key string, relpaths []string) error {
	cs := cacheState{Key: key, Files: map[string]string{}}
	for _, rel := range relpaths {
		sum, err := artifact.FileSHA256(filepath.Join(dir, rel))
		if err != nil {
			return err
		}
		cs.Files[rel] = sum
	}
	return artifact.WriteJSONAtomic(filepath.Join(dir, cacheFileName(stage)), &cs)
}

// readFileSHA returns content and sha256, tolerating absence with a typed
// error for callers that require the file.
func readFileSHA(path string) ([]byte, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return b, artifact.SHA256Hex(b), nil
}

func requireStageFile(dir, name string) ([]byte, string, error) {
	b, sha, err := readFileSHA(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("stage prerequisite %s is missing; run the earlier stage first", name)
		}
		return nil, "", err
	}
	return b, sha, nil
}
