package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TemplateKind selects the per-kind subtree under the uploads root.
type TemplateKind string

const (
	KindPDF   TemplateKind = "pdf"
	KindExcel TemplateKind = "excel"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,180}$`)

// ValidTemplateID accepts a UUID or a slug matching the template identity rule.
func ValidTemplateID(id string) bool {
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	return slugPattern.MatchString(id)
}

// PathError marks an id or path that failed safety validation. It surfaces as
// a 4xx with code invalid_template_id upstream.
type PathError struct {
	ID      string
	Message string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid_template_id: %s: %s", e.ID, e.Message)
}

// Store owns the uploads root and the per-template artifact directories.
// All writes are temp-then-rename; readers tolerate absence.
type Store struct {
	root string
	log  *logrus.Entry
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		root: abs,
		log:  logrus.WithField("component", "artifact"),
	}, nil
}

func (s *Store) Root() string { return s.root }

// Dir resolves <root>/<kind>/<id>, rejecting ids that are invalid or whose
// resolved path would escape the uploads root.
func (s *Store) Dir(kind TemplateKind, id string) (string, error) {
	if !ValidTemplateID(id) {
		return "", &PathError{ID: id, Message: "must be a UUID or slug"}
	}
	dir := filepath.Join(s.root, string(kind), id)
	if !pathWithin(s.root, dir) {
		return "", &PathError{ID: id, Message: "resolved path escapes uploads root"}
	}
	return dir, nil
}

// EnsureDir is Dir plus MkdirAll.
func (s *Store) EnsureDir(kind TemplateKind, id string) (string, error) {
	dir, err := s.Dir(kind, id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Within reports whether path stays under the uploads root once resolved.
// Artifact URLs are validated with this before being returned to callers.
func (s *Store) Within(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return pathWithin(s.root, abs)
}

func pathWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// WriteBytesAtomic writes b to path via a temp file in the same directory.
// On any failure the partial temp file is removed.
func WriteBytesAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteTextAtomic writes a string artifact atomically.
func WriteTextAtomic(path, text string) error {
	return WriteBytesAtomic(path, []byte(text))
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteBytesAtomic(path, append(b, '\n'))
}

// ReadJSON unmarshals path into v. Missing file returns os.ErrNotExist.
func ReadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// FileSHA256 returns the hex sha256 of the file bytes.
func FileSHA256(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SHA256Hex returns the hex sha256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
