package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// allowedTransitions encodes the monotonic job state machine. Terminal
// statuses accept nothing further; completion is write-once.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobQueued: {
		JobRunning:   true,
		JobCancelled: true,
		JobFailed:    true,
	},
	JobRunning: {
		JobSucceeded: true,
		JobFailed:    true,
		JobCancelled: true,
	},
}

// CreateJob persists a new queued job and returns it. Step names become
// pending steps in order.
func (s *Store) CreateJob(typ JobType, templateID, connectionID, correlationID string, stepNames []string, meta map[string]string, payload json.RawMessage) (*Job, error) {
	if correlationID == "" {
		correlationID = ulid.Make().String()
	}
	job := &Job{
		ID:            ulid.Make().String(),
		Type:          typ,
		TemplateID:    templateID,
		ConnectionID:  connectionID,
		CorrelationID: correlationID,
		Status:        JobQueued,
		Meta:          meta,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
	for _, name := range stepNames {
		job.Steps = append(job.Steps, JobStep{Name: name, Status: StepPending})
	}
	err := s.mutate(func(doc *document) error {
		doc.Jobs[job.ID] = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns jobs newest-first, filtered by statuses and types when
// non-empty. activeOnly keeps queued/running only.
func (s *Store) ListJobs(statuses []JobStatus, types []JobType, limit int, activeOnly bool) ([]*Job, error) {
	statusSet := map[JobStatus]bool{}
	for _, st := range statuses {
		statusSet[st] = true
	}
	typeSet := map[JobType]bool{}
	for _, t := range types {
		typeSet[t] = true
	}
	var out []*Job
	err := s.view(func(doc *document) error {
		for _, j := range doc.Jobs {
			if len(statusSet) > 0 && !statusSet[j.Status] {
				continue
			}
			if len(typeSet) > 0 && !typeSet[j.Type] {
				continue
			}
			if activeOnly && j.Status.Terminal() {
				continue
			}
			cp := *j
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetJob(id string) (*Job, error) {
	var out *Job
	err := s.view(func(doc *document) error {
		j, ok := doc.Jobs[id]
		if !ok {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		cp := *j
		out = &cp
		return nil
	})
	return out, err
}

// GetJobMeta returns the original serialized payload for recovery.
func (s *Store) GetJobMeta(id string) (json.RawMessage, map[string]string, error) {
	j, err := s.GetJob(id)
	if err != nil {
		return nil, nil, err
	}
	return j.Payload, j.Meta, nil
}

func (s *Store) transition(id string, to JobStatus, apply func(j *Job)) error {
	return s.mutate(func(doc *document) error {
		j, ok := doc.Jobs[id]
		if !ok {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if j.Status == to {
			return nil
		}
		if !allowedTransitions[j.Status][to] {
			// Completion is write-once: silently ignore a second terminal
			// write, reject anything else.
			if j.Status.Terminal() {
				return nil
			}
			return fmt.Errorf("job %s: illegal transition %s -> %s", id, j.Status, to)
		}
		j.Status = to
		if apply != nil {
			apply(j)
		}
		return nil
	})
}

func (s *Store) RecordJobStart(id string) error {
	return s.transition(id, JobRunning, func(j *Job) {
		now := time.Now().UTC()
		j.StartedAt = &now
	})
}

// RecordJobProgress clamps into [0,100] and never moves backwards.
func (s *Store) RecordJobProgress(id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.mutate(func(doc *document) error {
		j, ok := doc.Jobs[id]
		if !ok {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if j.Status.Terminal() {
			return nil
		}
		if progress > j.Progress {
			j.Progress = progress
		}
		return nil
	})
}

// RecordJobStep updates (or appends) the named step. Progress and label are
// optional; negative progress leaves the existing value.
func (s *Store) RecordJobStep(id, name string, status StepStatus, stepErr string, progress int, label string) error {
	return s.mutate(func(doc *document) error {
		j, ok := doc.Jobs[id]
		if !ok {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if j.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		idx := -1
		for i := range j.Steps {
			if j.Steps[i].Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			j.Steps = append(j.Steps, JobStep{Name: name, Status: StepPending})
			idx = len(j.Steps) - 1
		}
		step := &j.Steps[idx]
		step.Status = status
		if label != "" {
			step.Label = label
		}
		if stepErr != "" {
			step.Error = stepErr
		}
		if progress >= 0 {
			step.Progress = progress
		}
		switch status {
		case StepRunning:
			if step.StartedAt == nil {
				step.StartedAt = &now
			}
		case StepSucceeded, StepFailed:
			if step.StartedAt == nil {
				step.StartedAt = &now
			}
			step.FinishedAt = &now
			if status == StepSucceeded {
				step.Progress = 100
			}
		}
		return nil
	})
}

// RecordJobCompletion is terminal and write-once; a second completion for
// the same job is ignored.
func (s *Store) RecordJobCompletion(id string, status JobStatus, jobErr string, result json.RawMessage) error {
	if !status.Terminal() {
		return fmt.Errorf("job %s: completion status %s is not terminal", id, status)
	}
	return s.transition(id, status, func(j *Job) {
		now := time.Now().UTC()
		j.FinishedAt = &now
		j.Error = jobErr
		if result != nil {
			j.Result = result
		}
		if status == JobSucceeded {
			j.Progress = 100
		}
	})
}

// CancelQueuedJob cancels a job that has not started. Returns false when the
// job is already running or terminal.
func (s *Store) CancelQueuedJob(id string) (bool, error) {
	cancelled := false
	err := s.mutate(func(doc *document) error {
		j, ok := doc.Jobs[id]
		if !ok {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if j.Status != JobQueued {
			return nil
		}
		now := time.Now().UTC()
		j.Status = JobCancelled
		j.FinishedAt = &now
		cancelled = true
		return nil
	})
	return cancelled, err
}
