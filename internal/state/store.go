package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/artifact"
)

const documentFileName = "state.json"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the single writer of connection/template/job/schedule/report-run
// rows. Every mutator re-reads the persisted document under the lock,
// applies the mutation, and writes atomically; there are no long-lived read
// handles.
type Store struct {
	mu      sync.Mutex
	path    string
	secrets *secretBox
	log     *logrus.Entry
}

// Open initializes the store in stateDir. The directory is created if
// missing; an absent document starts empty.
func Open(stateDir, envSecret string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	secrets, err := newSecretBox(stateDir, envSecret)
	if err != nil {
		return nil, err
	}
	return &Store{
		path:    filepath.Join(stateDir, documentFileName),
		secrets: secrets,
		log:     logrus.WithField("component", "state"),
	}, nil
}

func (s *Store) read() (*document, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newDocument(), nil
		}
		return nil, err
	}
	doc := newDocument()
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Connections == nil {
		doc.Connections = map[string]*Connection{}
	}
	if doc.Templates == nil {
		doc.Templates = map[string]*Template{}
	}
	if doc.Jobs == nil {
		doc.Jobs = map[string]*Job{}
	}
	if doc.Schedules == nil {
		doc.Schedules = map[string]*Schedule{}
	}
	if doc.LastUsed == nil {
		doc.LastUsed = map[string]string{}
	}
	return doc, nil
}

func (s *Store) write(doc *document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return artifact.WriteBytesAtomic(s.path, append(b, '\n'))
}

// mutate serializes a read-modify-write cycle.
func (s *Store) mutate(fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.write(doc)
}

func (s *Store) view(fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	return fn(doc)
}

// ---- connections ----

// UpsertConnection stores the row and, when secretURL is non-empty, seals it
// into the secrets sidecar. Returned views never carry the plaintext.
func (s *Store) UpsertConnection(c Connection, secretURL string) (*Connection, error) {
	if strings.TrimSpace(c.ID) == "" {
		return nil, fmt.Errorf("connection id is required")
	}
	now := time.Now().UTC()
	var out *Connection
	err := s.mutate(func(doc *document) error {
		existing, ok := doc.Connections[c.ID]
		if ok {
			c.CreatedAt = existing.CreatedAt
			if c.SecretRef == "" {
				c.SecretRef = existing.SecretRef
			}
		} else {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		if secretURL != "" {
			c.SecretRef = "connection:" + c.ID
			if err := s.secrets.store(c.SecretRef, secretURL); err != nil {
				return err
			}
		}
		cp := c
		doc.Connections[c.ID] = &cp
		out = sanitizeConnection(&cp)
		return nil
	})
	return out, err
}

func (s *Store) GetConnection(id string) (*Connection, error) {
	var out *Connection
	err := s.view(func(doc *document) error {
		c, ok := doc.Connections[id]
		if !ok {
			return fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		out = sanitizeConnection(c)
		return nil
	})
	return out, err
}

// ConnectionSecret decrypts the stored original URL/path for a connection.
func (s *Store) ConnectionSecret(id string) (string, error) {
	var ref string
	err := s.view(func(doc *document) error {
		c, ok := doc.Connections[id]
		if !ok {
			return fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		ref = c.SecretRef
		return nil
	})
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", os.ErrNotExist
	}
	return s.secrets.fetch(ref)
}

func (s *Store) ListConnections() ([]*Connection, error) {
	var out []*Connection
	err := s.view(func(doc *document) error {
		for _, c := range doc.Connections {
			out = append(out, sanitizeConnection(c))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, err
}

// DeleteConnection removes the row, its secret, and clears the last-used
// pointer when it referenced this connection.
func (s *Store) DeleteConnection(id string) error {
	return s.mutate(func(doc *document) error {
		c, ok := doc.Connections[id]
		if !ok {
			return nil
		}
		if c.SecretRef != "" {
			if err := s.secrets.remove(c.SecretRef); err != nil {
				return err
			}
		}
		delete(doc.Connections, id)
		if doc.LastUsed["connection"] == id {
			delete(doc.LastUsed, "connection")
		}
		return nil
	})
}

func (s *Store) SetLastUsedConnection(id string) error {
	return s.mutate(func(doc *document) error {
		if _, ok := doc.Connections[id]; !ok {
			return fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		doc.LastUsed["connection"] = id
		return nil
	})
}

func (s *Store) LastUsedConnection() (string, error) {
	var id string
	err := s.view(func(doc *document) error {
		id = doc.LastUsed["connection"]
		return nil
	})
	return id, err
}

// LatestConnection returns the most recently updated connection, if any.
func (s *Store) LatestConnection() (*Connection, error) {
	list, err := s.ListConnections()
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func sanitizeConnection(c *Connection) *Connection {
	cp := *c
	cp.SecretRef = ""
	return &cp
}

// ---- templates ----

func (s *Store) UpsertTemplate(t Template) (*Template, error) {
	if strings.TrimSpace(t.ID) == "" {
		return nil, fmt.Errorf("template id is required")
	}
	now := time.Now().UTC()
	var out *Template
	err := s.mutate(func(doc *document) error {
		if existing, ok := doc.Templates[t.ID]; ok {
			t.CreatedAt = existing.CreatedAt
		} else {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		cp := t
		doc.Templates[t.ID] = &cp
		out = &cp
		return nil
	})
	return out, err
}

// PatchTemplate applies fn to the stored row under the lock.
func (s *Store) PatchTemplate(id string, fn func(t *Template)) (*Template, error) {
	var out *Template
	err := s.mutate(func(doc *document) error {
		t, ok := doc.Templates[id]
		if !ok {
			return fmt.Errorf("template %s: %w", id, ErrNotFound)
		}
		fn(t)
		t.UpdatedAt = time.Now().UTC()
		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) GetTemplate(id string) (*Template, error) {
	var out *Template
	err := s.view(func(doc *document) error {
		t, ok := doc.Templates[id]
		if !ok {
			return fmt.Errorf("template %s: %w", id, ErrNotFound)
		}
		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) ListTemplates() ([]*Template, error) {
	var out []*Template
	err := s.view(func(doc *document) error {
		for _, t := range doc.Templates {
			cp := *t
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, err
}

func (s *Store) DeleteTemplate(id string) error {
	return s.mutate(func(doc *document) error {
		delete(doc.Templates, id)
		return nil
	})
}

// ---- report runs ----

func (s *Store) AppendReportRun(r ReportRun) error {
	return s.mutate(func(doc *document) error {
		cp := r
		doc.ReportRuns = append(doc.ReportRuns, &cp)
		return nil
	})
}

func (s *Store) ListReportRuns(templateID string, limit int) ([]*ReportRun, error) {
	var out []*ReportRun
	err := s.view(func(doc *document) error {
		for i := len(doc.ReportRuns) - 1; i >= 0; i-- {
			r := doc.ReportRuns[i]
			if templateID != "" && r.TemplateID != templateID {
				continue
			}
			cp := *r
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
