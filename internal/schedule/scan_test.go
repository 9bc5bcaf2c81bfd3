package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatplan/layout-server/internal/model"
)

var day = time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func event(id string, start time.Time, end *time.Time) model.ScheduleEvent {
	return model.ScheduleEvent{ID: id, Title: id, Start: start, End: end}
}

func ptr(t time.Time) *time.Time { return &t }

func TestConflicts_OverlapButNotAdjacent(t *testing.T) {
	events := []model.ScheduleEvent{
		event("A", at(10, 0), ptr(at(11, 0))),
		event("B", at(10, 30), ptr(at(11, 30))),
		event("C", at(11, 30), ptr(at(12, 0))),
	}

	got := Conflicts(events)
	assert.Equal(t, map[string]struct{}{"A": {}, "B": {}}, got)
}

func TestConflicts_OpenEndedEventsNeverConflict(t *testing.T) {
	events := []model.ScheduleEvent{
		event("ceremony", at(14, 0), ptr(at(15, 0))),
		event("photos", at(14, 30), nil),
		{ID: "broken", End: ptr(at(14, 45))},
	}

	assert.Empty(t, Conflicts(events))
}

func TestGaps_ReportsIdleIntervalAtOrAboveMinimum(t *testing.T) {
	events := []model.ScheduleEvent{
		event("B", at(11, 45), ptr(at(12, 30))),
		event("A", at(10, 0), ptr(at(11, 0))),
	}

	gaps := Gaps(events, 30*time.Minute)
	require.Len(t, gaps, 1)
	g := gaps[0]
	assert.Equal(t, "A", g.AfterID)
	assert.Equal(t, "B", g.BeforeID)
	assert.Equal(t, at(11, 0), g.Start)
	assert.Equal(t, at(11, 45), g.End)
	assert.Equal(t, 45, g.Minutes())
}

func TestGaps_ThresholdIsInclusive(t *testing.T) {
	events := []model.ScheduleEvent{
		event("A", at(9, 0), ptr(at(9, 30))),
		event("B", at(10, 0), ptr(at(10, 20))),
		event("C", at(10, 40), ptr(at(11, 0))),
	}

	gaps := Gaps(events, 0)
	require.Len(t, gaps, 1)
	assert.Equal(t, "A", gaps[0].AfterID)
	assert.Equal(t, 30, gaps[0].Minutes())
}

func TestGaps_IgnoresEventsWithoutEnd(t *testing.T) {
	events := []model.ScheduleEvent{
		event("A", at(9, 0), ptr(at(9, 30))),
		event("toast", at(10, 0), nil),
		event("B", at(12, 0), ptr(at(13, 0))),
	}

	gaps := Gaps(events, time.Hour)
	require.Len(t, gaps, 1)
	assert.Equal(t, "A", gaps[0].AfterID)
	assert.Equal(t, "B", gaps[0].BeforeID)
}

func TestScan_SortsConflictIDs(t *testing.T) {
	events := []model.ScheduleEvent{
		event("z", at(10, 0), ptr(at(11, 0))),
		event("m", at(10, 30), ptr(at(11, 30))),
		event("late", at(13, 0), ptr(at(14, 0))),
	}

	r := Scan(events, 30*time.Minute)
	assert.Equal(t, []string{"m", "z"}, r.Conflicts)
	require.Len(t, r.Gaps, 1)
	assert.Equal(t, "m", r.Gaps[0].AfterID)
	assert.Equal(t, 90*time.Minute, r.Gaps[0].Duration)
}

func TestScan_EmptyInput(t *testing.T) {
	r := Scan(nil, 0)
	assert.Empty(t, r.Conflicts)
	assert.Empty(t, r.Gaps)
}
