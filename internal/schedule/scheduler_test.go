package schedule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuraworks/neurareport/internal/job"
	"github.com/neuraworks/neurareport/internal/state"
)

func newTestScheduler(t *testing.T, handler job.Handler) (*Scheduler, *state.Store, *job.Engine) {
	t.Helper()
	st, err := state.Open(t.TempDir(), "test-secret")
	require.NoError(t, err)
	engine := job.NewEngine(st, 1)
	if handler != nil {
		engine.Register(state.JobRunReport, handler)
	}
	engine.Start(context.Background())
	t.Cleanup(engine.Shutdown)
	return New(st, engine, MinPollInterval), st, engine
}

func activeSchedule(t *testing.T, st *state.Store, start, end, next time.Time) *state.Schedule {
	t.Helper()
	sc, err := st.UpsertSchedule(state.Schedule{
		TemplateID:      "tpl-daily",
		ConnectionID:    "conn-1",
		IntervalMinutes: 60,
		StartDate:       start,
		EndDate:         end,
		Active:          true,
		Payload:         json.RawMessage(`{"template_id":"tpl-daily","params":{"report_id":1}}`),
	})
	require.NoError(t, err)
	if !next.IsZero() {
		upd := *sc
		upd.NextRunAt = next
		sc, err = st.UpsertSchedule(upd)
		require.NoError(t, err)
	}
	return sc
}

func TestDueGating(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	base := &state.Schedule{
		Active:    true,
		StartDate: now.Add(-24 * time.Hour),
		EndDate:   now.Add(24 * time.Hour),
		NextRunAt: now.Add(-time.Minute),
	}
	require.True(t, s.due(base, now))

	inactive := *base
	inactive.Active = false
	require.False(t, s.due(&inactive, now))

	notStarted := *base
	notStarted.StartDate = now.Add(time.Hour)
	require.False(t, s.due(&notStarted, now))

	expired := *base
	expired.EndDate = now.Add(-time.Hour)
	require.False(t, s.due(&expired, now))

	notYet := *base
	notYet.NextRunAt = now.Add(time.Minute)
	require.False(t, s.due(&notYet, now))

	// Open-ended window: zero dates never gate.
	open := *base
	open.StartDate = time.Time{}
	open.EndDate = time.Time{}
	require.True(t, s.due(&open, now))
}

func TestTickSkipsExpiredWindowWithoutSideEffects(t *testing.T) {
	s, st, _ := newTestScheduler(t, func(ctx context.Context, rc *job.RunContext) (json.RawMessage, error) {
		t.Error("handler must not run for an expired schedule")
		return nil, nil
	})

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// End date passed yesterday; next_run_at is overdue.
	activeSchedule(t, st, now.Add(-72*time.Hour), now.Add(-24*time.Hour), now.Add(-time.Hour))

	require.Equal(t, 0, s.Tick())
	require.Equal(t, 0, s.InflightCount())

	jobs, err := st.ListJobs(nil, nil, 0, false)
	require.NoError(t, err)
	require.Empty(t, jobs, "no job may be created for an expired window")
}

func TestTickDispatchesDueScheduleAndRecordsRun(t *testing.T) {
	ran := make(chan struct{})
	s, st, _ := newTestScheduler(t, func(ctx context.Context, rc *job.RunContext) (json.RawMessage, error) {
		close(ran)
		return json.RawMessage(`{"artifacts":{"pdf":"/files/out.pdf"}}`), nil
	})

	sc := activeSchedule(t, st, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), time.Now().UTC().Add(-time.Minute))

	require.Equal(t, 1, s.Tick())
	<-ran

	// The watcher records the run and releases the in-flight slot.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := st.GetSchedule(sc.ID)
		require.NoError(t, err)
		if got.LastRunStatus != "" {
			require.Equal(t, string(state.JobSucceeded), got.LastRunStatus)
			require.Equal(t, "/files/out.pdf", got.LastRunArtifacts["pdf"])
			require.True(t, got.NextRunAt.After(time.Now().UTC().Add(50*time.Minute)))
			break
		}
		require.True(t, time.Now().Before(deadline), "schedule run never recorded")
		time.Sleep(5 * time.Millisecond)
	}
	for s.InflightCount() != 0 {
		require.True(t, time.Now().Before(deadline), "in-flight slot never released")
		time.Sleep(5 * time.Millisecond)
	}

	// The dispatched job carries the schedule id and the payload snapshot.
	jobs, err := st.ListJobs(nil, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	payload, meta, err := st.GetJobMeta(jobs[0].ID)
	require.NoError(t, err)
	require.Equal(t, sc.ID, meta["schedule_id"])
	require.JSONEq(t, `{"template_id":"tpl-daily","params":{"report_id":1}}`, string(payload))
}

func TestDispatchCoalescesWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	s, st, _ := newTestScheduler(t, func(ctx context.Context, rc *job.RunContext) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	})
	defer close(release)

	activeSchedule(t, st, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), time.Now().UTC().Add(-time.Minute))

	require.Equal(t, 1, s.Tick())
	// Still in flight: repeated ticks must not double-dispatch.
	require.Equal(t, 0, s.Tick())
	require.Equal(t, 0, s.Tick())
	require.Equal(t, 1, s.InflightCount())

	jobs, err := st.ListJobs(nil, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestDispatchMisfireGrace(t *testing.T) {
	s, st, _ := newTestScheduler(t, func(ctx context.Context, rc *job.RunContext) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	sc := activeSchedule(t, st, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour), time.Now().UTC().Add(-time.Minute))

	now := time.Now().UTC()
	require.True(t, s.dispatch(sc, now))

	// Wait for the watcher to release the slot, then retry inside the grace
	// window: coalesced.
	deadline := time.Now().Add(5 * time.Second)
	for s.InflightCount() != 0 {
		require.True(t, time.Now().Before(deadline))
		time.Sleep(5 * time.Millisecond)
	}
	require.False(t, s.dispatch(sc, now.Add(30*time.Second)))
	// Past the grace window the schedule may fire again.
	require.True(t, s.dispatch(sc, now.Add(misfireGrace+time.Second)))
}

func TestDispatchWithoutPayloadSkips(t *testing.T) {
	s, st, _ := newTestScheduler(t, func(ctx context.Context, rc *job.RunContext) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	sc, err := st.UpsertSchedule(state.Schedule{
		TemplateID:      "tpl-bare",
		IntervalMinutes: 5,
		Active:          true,
	})
	require.NoError(t, err)

	require.False(t, s.dispatch(sc, time.Now().UTC()))
	require.Equal(t, 0, s.InflightCount())
}

func TestArtifactURLs(t *testing.T) {
	require.Equal(t, map[string]string{"pdf": "a.pdf"}, artifactURLs(json.RawMessage(`{"artifacts":{"pdf":"a.pdf"}}`)))
	require.Nil(t, artifactURLs(json.RawMessage(`not json`)))
	require.Empty(t, artifactURLs(json.RawMessage(`{"other":1}`)))
}
