package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/job"
	"github.com/neuraworks/neurareport/internal/state"
)

const (
	DefaultPollInterval = 60 * time.Second
	MinPollInterval     = 5 * time.Second

	// misfireGrace bounds how soon after a skipped tick a schedule may fire
	// again; dispatch attempts inside the window coalesce into one.
	misfireGrace = 60 * time.Second
)

// Scheduler walks active schedules on a poll interval and dispatches due
// ones to the job engine. At most one run per schedule is in flight.
type Scheduler struct {
	state  *state.Store
	engine *job.Engine
	poll   time.Duration
	log    *logrus.Entry

	mu       sync.Mutex
	inflight map[string]bool
	lastTry  map[string]time.Time

	now func() time.Time
}

func New(st *state.Store, engine *job.Engine, poll time.Duration) *Scheduler {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if poll < MinPollInterval {
		poll = MinPollInterval
	}
	return &Scheduler{
		state:    st,
		engine:   engine,
		poll:     poll,
		log:      logrus.WithField("component", "scheduler"),
		inflight: map[string]bool{},
		lastTry:  map[string]time.Time{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, ticking every poll interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	s.log.WithField("poll", s.poll).Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick dispatches every due schedule once. Exposed for the CLI run-due
// subcommand and tests.
func (s *Scheduler) Tick() int {
	schedules, err := s.state.ListSchedules(true)
	if err != nil {
		s.log.WithError(err).Error("list schedules failed")
		return 0
	}
	dispatched := 0
	now := s.now()
	for _, sc := range schedules {
		if s.due(sc, now) && s.dispatch(sc, now) {
			dispatched++
		}
	}
	return dispatched
}

// due applies the gating rules: active flag, UTC date window, next_run_at.
func (s *Scheduler) due(sc *state.Schedule, now time.Time) bool {
	if !sc.Active {
		return false
	}
	if !sc.StartDate.IsZero() && now.Before(sc.StartDate) {
		return false
	}
	if !sc.EndDate.IsZero() && now.After(sc.EndDate) {
		return false
	}
	return !now.Before(sc.NextRunAt)
}

func (s *Scheduler) dispatch(sc *state.Schedule, now time.Time) bool {
	s.mu.Lock()
	if s.inflight[sc.ID] {
		s.mu.Unlock()
		return false
	}
	if last, ok := s.lastTry[sc.ID]; ok && now.Sub(last) < misfireGrace {
		s.mu.Unlock()
		return false
	}
	s.inflight[sc.ID] = true
	s.lastTry[sc.ID] = now
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"schedule_id": sc.ID, "template_id": sc.TemplateID})
	if len(sc.Payload) == 0 {
		s.release(sc.ID)
		log.Warn("schedule has no payload snapshot; skipped")
		return false
	}

	meta := map[string]string{"schedule_id": sc.ID}
	j, err := s.engine.Submit(state.JobRunReport, sc.TemplateID, sc.ConnectionID, "", job.ReportSteps, meta, sc.Payload)
	if err != nil {
		s.release(sc.ID)
		_ = s.state.RecordScheduleRun(sc.ID, now, string(state.JobFailed), err.Error(), nil)
		log.WithError(err).Error("schedule dispatch failed")
		return false
	}
	log.WithField("job_id", j.ID).Info("schedule dispatched")

	go s.watch(sc.ID, j.ID)
	return true
}

// watch releases the in-flight slot and records the outcome when the job
// reaches a terminal status.
func (s *Scheduler) watch(scheduleID, jobID string) {
	defer s.release(scheduleID)
	for {
		j, err := s.state.GetJob(jobID)
		if err != nil {
			_ = s.state.RecordScheduleRun(scheduleID, s.now(), string(state.JobFailed), err.Error(), nil)
			return
		}
		if j.Status.Terminal() {
			finished := s.now()
			if j.FinishedAt != nil {
				finished = *j.FinishedAt
			}
			artifacts := map[string]string{}
			if j.Status == state.JobSucceeded && len(j.Result) > 0 {
				artifacts = artifactURLs(j.Result)
			}
			_ = s.state.RecordScheduleRun(scheduleID, finished, string(j.Status), j.Error, artifacts)
			return
		}
		time.Sleep(time.Second)
	}
}

func (s *Scheduler) release(scheduleID string) {
	s.mu.Lock()
	delete(s.inflight, scheduleID)
	s.mu.Unlock()
}

// artifactURLs pulls the artifacts map out of a run result payload.
func artifactURLs(result json.RawMessage) map[string]string {
	var doc struct {
		Artifacts map[string]string `json:"artifacts"`
	}
	if err := json.Unmarshal(result, &doc); err != nil {
		return nil
	}
	return doc.Artifacts
}

// InflightCount reports how many schedules have an unreleased dispatch.
func (s *Scheduler) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
