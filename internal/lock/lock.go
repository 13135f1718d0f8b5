package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/procutil"
)

const lockFileName = ".template.lock"

// ConflictError reports a contended template lock. Callers surface it as
// HTTP 409 template_locked; it is never retried implicitly.
type ConflictError struct {
	Dir           string
	HeldBy        int
	Reason        string
	CorrelationID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("template_locked: %s held by pid %d (%s, cid=%s)", e.Dir, e.HeldBy, e.Reason, e.CorrelationID)
}

type lockBody struct {
	PID           int       `json:"pid"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlation_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
}

// Lease is a held template lock. Release is safe to call more than once.
type Lease struct {
	path     string
	released bool
}

// Acquire takes the advisory lock for a template directory. The lock covers
// the entire multi-step LLM/IO sequence for that template; contention fails
// fast with *ConflictError. A lockfile whose holder PID is dead is broken
// and acquisition retried once.
func Acquire(templateDir, reason, correlationID string) (*Lease, error) {
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(templateDir, lockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			body := lockBody{
				PID:           os.Getpid(),
				Reason:        reason,
				CorrelationID: correlationID,
				AcquiredAt:    time.Now().UTC(),
			}
			enc := json.NewEncoder(f)
			if werr := enc.Encode(body); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, werr
			}
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, cerr
			}
			return &Lease{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		holder := readHolder(path)
		if holder.PID > 0 && !procutil.PIDAlive(holder.PID) {
			logrus.WithFields(logrus.Fields{
				"component":      "lock",
				"dir":            templateDir,
				"stale_pid":      holder.PID,
				"correlation_id": holder.CorrelationID,
			}).Warn("breaking stale template lock")
			_ = os.Remove(path)
			continue
		}
		return nil, &ConflictError{
			Dir:           templateDir,
			HeldBy:        holder.PID,
			Reason:        holder.Reason,
			CorrelationID: holder.CorrelationID,
		}
	}
	return nil, &ConflictError{Dir: templateDir}
}

func readHolder(path string) lockBody {
	var body lockBody
	b, err := os.ReadFile(path)
	if err != nil {
		return body
	}
	_ = json.Unmarshal(b, &body)
	return body
}

// Release removes the lockfile. Safe on all exit paths; idempotent.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	_ = os.Remove(l.path)
}

// IsConflict reports whether err is a lock contention error.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
