package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuraworks/neurareport/internal/state"
)

func newTestEngine(t *testing.T, workers int) (*Engine, *state.Store) {
	t.Helper()
	st, err := state.Open(t.TempDir(), "test-secret")
	require.NoError(t, err)
	e := NewEngine(st, workers)
	t.Cleanup(e.Shutdown)
	return e, st
}

func waitTerminal(t *testing.T, st *state.Store, id string) *state.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(id)
		require.NoError(t, err)
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return nil
}

func TestSubmitRunsHandlerToSuccess(t *testing.T) {
	e, st := newTestEngine(t, 1)
	e.Register(state.JobRunReport, func(ctx context.Context, rc *RunContext) (json.RawMessage, error) {
		rc.Tracker.StepStarted(StepValidate, "")
		rc.Tracker.StepSucceeded(StepValidate)
		return json.RawMessage(`{"artifact":"out.pdf"}`), nil
	})
	e.Start(context.Background())

	j, err := e.Submit(state.JobRunReport, "tpl", "conn", "cid-1", ReportSteps, nil, json.RawMessage(`{"template_id":"tpl"}`))
	require.NoError(t, err)
	require.Equal(t, state.JobQueued, j.Status)

	done := waitTerminal(t, st, j.ID)
	require.Equal(t, state.JobSucceeded, done.Status)
	require.JSONEq(t, `{"artifact":"out.pdf"}`, string(done.Result))
	require.Equal(t, 100, done.Progress)
}

func TestSubmitWithoutHandler(t *testing.T) {
	e, _ := newTestEngine(t, 1)
	e.Start(context.Background())
	_, err := e.Submit(state.JobVerify, "tpl", "", "cid", nil, nil, nil)
	require.ErrorContains(t, err, "no handler registered")
}

func TestHandlerErrorFailsJob(t *testing.T) {
	e, st := newTestEngine(t, 1)
	e.Register(state.JobRunReport, func(ctx context.Context, rc *RunContext) (json.RawMessage, error) {
		return nil, errors.New("report_generation_failed: header query failed")
	})
	e.Start(context.Background())

	j, err := e.Submit(state.JobRunReport, "tpl", "", "cid", nil, nil, nil)
	require.NoError(t, err)
	done := waitTerminal(t, st, j.ID)
	require.Equal(t, state.JobFailed, done.Status)
	require.Contains(t, done.Error, "report_generation_failed")
}

func TestCancelWhileRunningStopsAtPoll(t *testing.T) {
	e, st := newTestEngine(t, 1)
	started := make(chan struct{})
	e.Register(state.JobRunReport, func(ctx context.Context, rc *RunContext) (json.RawMessage, error) {
		close(started)
		// Poll until the cancel request lands; no partial result is recorded.
		for {
			if err := rc.Poll(ctx); err != nil {
				return nil, err
			}
			time.Sleep(2 * time.Millisecond)
		}
	})
	e.Start(context.Background())

	j, err := e.Submit(state.JobRunReport, "tpl", "", "cid-cancel", ReportSteps, nil, json.RawMessage(`{"template_id":"tpl"}`))
	require.NoError(t, err)

	<-started
	require.NoError(t, e.Cancel(j.ID, false))

	done := waitTerminal(t, st, j.ID)
	require.Equal(t, state.JobCancelled, done.Status)
	require.Equal(t, ErrCancelled.Error(), done.Error)
	require.Empty(t, done.Result)

	// Terminal status is write-once: a late cancel is a no-op.
	require.NoError(t, e.Cancel(j.ID, false))
	again, err := st.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, state.JobCancelled, again.Status)
}

func TestForcedCancelCancelsJobContext(t *testing.T) {
	e, st := newTestEngine(t, 1)
	started := make(chan struct{})
	e.Register(state.JobRunReport, func(ctx context.Context, rc *RunContext) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e.Start(context.Background())

	j, err := e.Submit(state.JobRunReport, "tpl", "", "cid-force", nil, nil, json.RawMessage(`{}`))
	require.NoError(t, err)

	<-started
	require.NoError(t, e.Cancel(j.ID, true))

	done := waitTerminal(t, st, j.ID)
	require.Equal(t, state.JobCancelled, done.Status)
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	e, st := newTestEngine(t, 1)
	release := make(chan struct{})
	e.Register(state.JobRunReport, func(ctx context.Context, rc *RunContext) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	})
	e.Start(context.Background())

	// First job occupies the only worker; the second waits in the queue.
	blocker, err := e.Submit(state.JobRunReport, "tpl", "", "cid-a", nil, nil, json.RawMessage(`{}`))
	require.NoError(t, err)
	queued, err := e.Submit(state.JobRunReport, "tpl", "", "cid-b", nil, nil, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Wait for the blocker to actually start so the second is truly queued.
	deadline := time.Now().Add(2 * time.Second)
	for {
		j, err := st.GetJob(blocker.ID)
		require.NoError(t, err)
		if j.Status == state.JobRunning {
			break
		}
		require.True(t, time.Now().Before(deadline), "blocker never started")
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, e.Cancel(queued.ID, false))
	close(release)

	done := waitTerminal(t, st, queued.ID)
	require.Equal(t, state.JobCancelled, done.Status)
	require.Equal(t, state.JobSucceeded, waitTerminal(t, st, blocker.ID).Status)
}

func TestTrackerProgressTable(t *testing.T) {
	_, st := newTestEngine(t, 1)
	j, err := st.CreateJob(state.JobRunReport, "tpl", "", "cid-steps", ReportSteps, nil, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, st.RecordJobStart(j.ID))

	tr := NewTracker(st, j.ID)
	for _, step := range ReportSteps {
		tr.StepStarted(step, "")
		tr.StepSucceeded(step)
	}

	got, err := st.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, 100, got.Progress)
	for _, s := range got.Steps {
		require.Equal(t, state.StepSucceeded, s.Status)
	}

	// Unknown steps record but leave progress alone.
	tr.StepStarted("extra_step", "custom label")
	tr.StepSucceeded("extra_step")
	got, err = st.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, 100, got.Progress)
}

func TestRegisterChildTracksAndUnregisters(t *testing.T) {
	e, _ := newTestEngine(t, 1)
	done := make(chan struct{})
	e.Register(state.JobRunReport, func(ctx context.Context, rc *RunContext) (json.RawMessage, error) {
		unregister := rc.RegisterChild(987654)
		e.mu.Lock()
		tracked := e.running[rc.Job.ID].childPIDs[987654]
		e.mu.Unlock()
		if !tracked {
			return nil, errors.New("child pid not tracked")
		}
		unregister()
		e.mu.Lock()
		still := e.running[rc.Job.ID].childPIDs[987654]
		e.mu.Unlock()
		if still {
			return nil, errors.New("child pid not released")
		}
		close(done)
		return json.RawMessage(`{}`), nil
	})
	e.Start(context.Background())

	j, err := e.Submit(state.JobRunReport, "tpl", "", "cid-child", nil, nil, json.RawMessage(`{}`))
	require.NoError(t, err)
	<-done
	waitTerminal(t, e.state, j.ID)
}
