package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertScheduleValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertSchedule(Schedule{TemplateID: "tpl", IntervalMinutes: 0})
	require.ErrorContains(t, err, "interval_minutes")

	_, err = s.UpsertSchedule(Schedule{IntervalMinutes: 5})
	require.ErrorContains(t, err, "template_id")

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.UpsertSchedule(Schedule{
		TemplateID:      "tpl",
		IntervalMinutes: 5,
		StartDate:       start,
		EndDate:         start.Add(-time.Hour),
	})
	require.ErrorContains(t, err, "end_date")
}

func TestUpsertScheduleDefaultsNextRunAt(t *testing.T) {
	s := newTestStore(t)
	future := time.Now().UTC().Add(24 * time.Hour)

	sc, err := s.UpsertSchedule(Schedule{
		TemplateID:      "tpl",
		IntervalMinutes: 60,
		StartDate:       future,
		EndDate:         future.Add(48 * time.Hour),
		Active:          true,
		Payload:         json.RawMessage(`{"template_id":"tpl"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, sc.ID)
	require.Equal(t, future, sc.NextRunAt)

	// A start date in the past floors next_run_at at now.
	past := time.Now().UTC().Add(-24 * time.Hour)
	sc2, err := s.UpsertSchedule(Schedule{
		TemplateID:      "tpl",
		IntervalMinutes: 60,
		StartDate:       past,
		Active:          true,
	})
	require.NoError(t, err)
	require.False(t, sc2.NextRunAt.Before(past.Add(24*time.Hour).Add(-time.Minute)))
}

func TestRecordScheduleRunAdvancesNextRunAt(t *testing.T) {
	s := newTestStore(t)
	sc, err := s.UpsertSchedule(Schedule{
		TemplateID:      "tpl",
		IntervalMinutes: 30,
		StartDate:       time.Now().UTC().Add(-time.Hour),
		Active:          true,
	})
	require.NoError(t, err)

	// next = max(now, finished) + interval. A finish time in the future wins
	// over now.
	finished := time.Now().UTC().Add(10 * time.Minute)
	require.NoError(t, s.RecordScheduleRun(sc.ID, finished, "succeeded", "", map[string]string{"pdf": "filled.pdf"}))

	got, err := s.GetSchedule(sc.ID)
	require.NoError(t, err)
	require.Equal(t, finished.Add(30*time.Minute), got.NextRunAt)
	require.Equal(t, "succeeded", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	require.Equal(t, finished, *got.LastRunAt)
	require.Equal(t, "filled.pdf", got.LastRunArtifacts["pdf"])

	// A finish time in the past: now wins.
	old := time.Now().UTC().Add(-2 * time.Hour)
	before := time.Now().UTC()
	require.NoError(t, s.RecordScheduleRun(sc.ID, old, "failed", "boom", nil))
	got, err = s.GetSchedule(sc.ID)
	require.NoError(t, err)
	require.False(t, got.NextRunAt.Before(before.Add(30*time.Minute)))
	require.Equal(t, "failed", got.LastRunStatus)
	require.Equal(t, "boom", got.LastRunError)
}

func TestListSchedulesActiveOnly(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertSchedule(Schedule{TemplateID: "a", IntervalMinutes: 5, Active: true})
	require.NoError(t, err)
	_, err = s.UpsertSchedule(Schedule{TemplateID: "b", IntervalMinutes: 5, Active: false})
	require.NoError(t, err)

	all, err := s.ListSchedules(false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := s.ListSchedules(true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "a", active[0].TemplateID)
}

func TestDeleteSchedule(t *testing.T) {
	s := newTestStore(t)
	sc, err := s.UpsertSchedule(Schedule{TemplateID: "a", IntervalMinutes: 5})
	require.NoError(t, err)
	require.NoError(t, s.DeleteSchedule(sc.ID))
	_, err = s.GetSchedule(sc.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
