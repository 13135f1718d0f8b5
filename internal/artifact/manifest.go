package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const ManifestName = "artifact_manifest.json"

// Manifest records the files a pipeline step produced in a template
// directory. Every listed file existed on disk at the recorded checksum when
// ProducedAt was written.
type Manifest struct {
	Files         map[string]string `json:"files"`          // name -> relpath
	FileChecksums map[string]string `json:"file_checksums"` // name -> sha256
	ProducedAt    time.Time         `json:"produced_at"`
	Step          string            `json:"step"`
	Inputs        []string          `json:"inputs"`
	CorrelationID string            `json:"correlation_id"`
}

// WriteManifest checksums each named file (relative to dir) and writes the
// manifest atomically. The files must already exist.
func WriteManifest(dir, step string, inputs []string, correlationID string, files map[string]string) (*Manifest, error) {
	m := &Manifest{
		Files:         map[string]string{},
		FileChecksums: map[string]string{},
		ProducedAt:    time.Now().UTC(),
		Step:          step,
		Inputs:        append([]string(nil), inputs...),
		CorrelationID: correlationID,
	}
	for name, rel := range files {
		sum, err := FileSHA256(filepath.Join(dir, rel))
		if err != nil {
			return nil, fmt.Errorf("manifest %s: checksum %s: %w", step, rel, err)
		}
		m.Files[name] = rel
		m.FileChecksums[name] = sum
	}
	if err := WriteJSONAtomic(filepath.Join(dir, ManifestName), m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadManifest returns nil without error when the manifest does not exist.
func LoadManifest(dir string) (*Manifest, error) {
	var m Manifest
	err := ReadJSON(filepath.Join(dir, ManifestName), &m)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// VerifyManifest recomputes checksums for every listed file. A file listed in
// the manifest but absent on disk is a hard error; a checksum mismatch is
// reported as drift.
func VerifyManifest(dir string, m *Manifest) error {
	if m == nil {
		return nil
	}
	for name, rel := range m.Files {
		path := filepath.Join(dir, rel)
		sum, err := FileSHA256(path)
		if err != nil {
			return fmt.Errorf("manifest file %s (%s) missing: %w", name, rel, err)
		}
		if want := m.FileChecksums[name]; want != "" && want != sum {
			return fmt.Errorf("manifest file %s (%s) checksum drift", name, rel)
		}
	}
	return nil
}

var tmpGlobs = []string{
	"*.tmp-*",
	"filled_*.tmp-*",
	"generator/*.tmp-*",
}

// CleanTmp removes leftover temp files from interrupted atomic writes.
// Best-effort; errors on individual files are ignored.
func CleanTmp(dir string) {
	for _, pattern := range tmpGlobs {
		matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			_ = os.Remove(m)
		}
	}
}
