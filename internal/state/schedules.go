package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// UpsertSchedule validates and stores a schedule. IntervalMinutes must be at
// least 1; the date window must be ordered.
func (s *Store) UpsertSchedule(sc Schedule) (*Schedule, error) {
	if sc.IntervalMinutes < 1 {
		return nil, fmt.Errorf("schedule interval_minutes must be >= 1")
	}
	if strings.TrimSpace(sc.TemplateID) == "" {
		return nil, fmt.Errorf("schedule template_id is required")
	}
	if !sc.EndDate.IsZero() && sc.EndDate.Before(sc.StartDate) {
		return nil, fmt.Errorf("schedule end_date precedes start_date")
	}
	now := time.Now().UTC()
	if sc.ID == "" {
		sc.ID = ulid.Make().String()
		sc.CreatedAt = now
	}
	if sc.NextRunAt.IsZero() {
		sc.NextRunAt = sc.StartDate
		if sc.NextRunAt.Before(now) {
			sc.NextRunAt = now
		}
	}
	var out *Schedule
	err := s.mutate(func(doc *document) error {
		if existing, ok := doc.Schedules[sc.ID]; ok {
			sc.CreatedAt = existing.CreatedAt
		} else if sc.CreatedAt.IsZero() {
			sc.CreatedAt = now
		}
		sc.UpdatedAt = now
		cp := sc
		doc.Schedules[sc.ID] = &cp
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	var out *Schedule
	err := s.view(func(doc *document) error {
		sc, ok := doc.Schedules[id]
		if !ok {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		cp := *sc
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) ListSchedules(activeOnly bool) ([]*Schedule, error) {
	var out []*Schedule
	err := s.view(func(doc *document) error {
		for _, sc := range doc.Schedules {
			if activeOnly && !sc.Active {
				continue
			}
			cp := *sc
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *Store) DeleteSchedule(id string) error {
	return s.mutate(func(doc *document) error {
		delete(doc.Schedules, id)
		return nil
	})
}

// RecordScheduleRun records dispatch outcome and advances next_run_at. The
// scheduler is authoritative for next_run_at:
// next = max(now, finished) + interval.
func (s *Store) RecordScheduleRun(id string, finished time.Time, status, runErr string, artifacts map[string]string) error {
	return s.mutate(func(doc *document) error {
		sc, ok := doc.Schedules[id]
		if !ok {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		now := time.Now().UTC()
		base := now
		if finished.After(base) {
			base = finished
		}
		sc.NextRunAt = base.Add(time.Duration(sc.IntervalMinutes) * time.Minute)
		sc.LastRunAt = &finished
		sc.LastRunStatus = status
		sc.LastRunError = runErr
		sc.LastRunArtifacts = artifacts
		sc.UpdatedAt = now
		return nil
	})
}
