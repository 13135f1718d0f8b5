package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test-secret")
	require.NoError(t, err)
	return s
}

func TestCreateJobQueuedWithSteps(t *testing.T) {
	s := newTestStore(t)
	j, err := s.CreateJob(JobRunReport, "tpl-1", "conn-1", "cid-1",
		[]string{"validate", "query"}, map[string]string{"k": "v"}, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, JobQueued, j.Status)
	require.Equal(t, "cid-1", j.CorrelationID)
	require.Len(t, j.Steps, 2)
	require.Equal(t, StepPending, j.Steps[0].Status)

	got, err := s.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, got.ID)
	require.JSONEq(t, `{"a":1}`, string(got.Payload))
}

func TestCreateJobGeneratesCorrelationID(t *testing.T) {
	s := newTestStore(t)
	j, err := s.CreateJob(JobVerify, "", "", "", nil, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, j.CorrelationID)
}

func TestJobStatusTransitionsMonotonic(t *testing.T) {
	s := newTestStore(t)
	j, err := s.CreateJob(JobRunReport, "tpl", "", "cid", nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordJobStart(j.ID))
	got, _ := s.GetJob(j.ID)
	require.Equal(t, JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.RecordJobCompletion(j.ID, JobSucceeded, "", json.RawMessage(`{"ok":true}`)))
	got, _ = s.GetJob(j.ID)
	require.Equal(t, JobSucceeded, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.FinishedAt)

	// Completion is write-once: a second terminal write is ignored.
	require.NoError(t, s.RecordJobCompletion(j.ID, JobFailed, "boom", nil))
	got, _ = s.GetJob(j.ID)
	require.Equal(t, JobSucceeded, got.Status)
	require.Empty(t, got.Error)

	// Restarting a finished job is ignored too.
	require.NoError(t, s.RecordJobStart(j.ID))
	got, _ = s.GetJob(j.ID)
	require.Equal(t, JobSucceeded, got.Status)
}

func TestRecordJobCompletionRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	j, _ := s.CreateJob(JobRunReport, "tpl", "", "cid", nil, nil, nil)
	require.Error(t, s.RecordJobCompletion(j.ID, JobRunning, "", nil))
}

func TestQueuedJobCanFailDirectly(t *testing.T) {
	s := newTestStore(t)
	j, _ := s.CreateJob(JobRunReport, "tpl", "", "cid", nil, nil, nil)
	require.NoError(t, s.RecordJobCompletion(j.ID, JobFailed, "Server restarted; job requeued", nil))
	got, _ := s.GetJob(j.ID)
	require.Equal(t, JobFailed, got.Status)
	require.Equal(t, "Server restarted; job requeued", got.Error)
}

func TestRecordJobProgressClampsAndNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	j, _ := s.CreateJob(JobRunReport, "tpl", "", "cid", nil, nil, nil)
	require.NoError(t, s.RecordJobStart(j.ID))

	require.NoError(t, s.RecordJobProgress(j.ID, 150))
	got, _ := s.GetJob(j.ID)
	require.Equal(t, 100, got.Progress)

	require.NoError(t, s.RecordJobProgress(j.ID, 40))
	got, _ = s.GetJob(j.ID)
	require.Equal(t, 100, got.Progress)

	require.NoError(t, s.RecordJobProgress(j.ID, -10))
	got, _ = s.GetJob(j.ID)
	require.Equal(t, 100, got.Progress)
}

func TestRecordJobStepLifecycle(t *testing.T) {
	s := newTestStore(t)
	j, _ := s.CreateJob(JobRunReport, "tpl", "", "cid", []string{"query"}, nil, nil)
	require.NoError(t, s.RecordJobStart(j.ID))

	require.NoError(t, s.RecordJobStep(j.ID, "query", StepRunning, "", 10, "Executing report SQL"))
	got, _ := s.GetJob(j.ID)
	require.Len(t, got.Steps, 1)
	require.Equal(t, StepRunning, got.Steps[0].Status)
	require.Equal(t, 10, got.Steps[0].Progress)
	require.NotNil(t, got.Steps[0].StartedAt)
	require.Nil(t, got.Steps[0].FinishedAt)

	require.NoError(t, s.RecordJobStep(j.ID, "query", StepSucceeded, "", -1, ""))
	got, _ = s.GetJob(j.ID)
	require.Equal(t, StepSucceeded, got.Steps[0].Status)
	require.Equal(t, 100, got.Steps[0].Progress)
	require.NotNil(t, got.Steps[0].FinishedAt)

	// Unknown step names are appended.
	require.NoError(t, s.RecordJobStep(j.ID, "render_pdf", StepFailed, "browser crashed", -1, ""))
	got, _ = s.GetJob(j.ID)
	require.Len(t, got.Steps, 2)
	require.Equal(t, StepFailed, got.Steps[1].Status)
	require.Equal(t, "browser crashed", got.Steps[1].Error)
}

func TestListJobsNewestFirstWithFilters(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateJob(JobRunReport, "tpl", "", "", nil, nil, nil)
	time.Sleep(5 * time.Millisecond)
	b, _ := s.CreateJob(JobVerify, "tpl", "", "", nil, nil, nil)
	time.Sleep(5 * time.Millisecond)
	c, _ := s.CreateJob(JobRunReport, "tpl", "", "", nil, nil, nil)
	require.NoError(t, s.RecordJobStart(c.ID))
	require.NoError(t, s.RecordJobCompletion(c.ID, JobSucceeded, "", nil))

	all, err := s.ListJobs(nil, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, c.ID, all[0].ID)
	require.Equal(t, b.ID, all[1].ID)
	require.Equal(t, a.ID, all[2].ID)

	active, err := s.ListJobs(nil, nil, 0, true)
	require.NoError(t, err)
	require.Len(t, active, 2)

	reports, err := s.ListJobs(nil, []JobType{JobRunReport}, 0, false)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	done, err := s.ListJobs([]JobStatus{JobSucceeded}, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, c.ID, done[0].ID)

	limited, err := s.ListJobs(nil, nil, 1, false)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestStore(t)
	j, _ := s.CreateJob(JobRunReport, "tpl", "", "cid", nil, nil, nil)

	cancelled, err := s.CancelQueuedJob(j.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	got, _ := s.GetJob(j.ID)
	require.Equal(t, JobCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)

	// Already terminal: no-op.
	cancelled, err = s.CancelQueuedJob(j.ID)
	require.NoError(t, err)
	require.False(t, cancelled)

	running, _ := s.CreateJob(JobRunReport, "tpl", "", "cid", nil, nil, nil)
	require.NoError(t, s.RecordJobStart(running.ID))
	cancelled, err = s.CancelQueuedJob(running.ID)
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestGetJobMetaReturnsOriginalPayload(t *testing.T) {
	s := newTestStore(t)
	payload := json.RawMessage(`{"template_id":"tpl","kind":"pdf"}`)
	j, _ := s.CreateJob(JobRunReport, "tpl", "", "cid", nil, map[string]string{"origin": "api"}, payload)

	gotPayload, gotMeta, err := s.GetJobMeta(j.ID)
	require.NoError(t, err)
	require.JSONEq(t, string(payload), string(gotPayload))
	require.Equal(t, "api", gotMeta["origin"])
}
