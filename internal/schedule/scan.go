// Package schedule finds overlapping events and idle gaps on a wedding-day timeline.
package schedule

import (
	"sort"
	"time"

	"seatplan/layout-server/internal/model"
)

// DefaultMinGap is the smallest idle interval reported by Gaps.
const DefaultMinGap = 30 * time.Minute

// Gap is an idle interval between two consecutive timed events.
type Gap struct {
	AfterID  string        `json:"after_id"`
	BeforeID string        `json:"before_id"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Minutes is the gap length in whole minutes.
func (g Gap) Minutes() int {
	return int(g.Duration / time.Minute)
}

// Report combines conflicts and gaps for one day.
type Report struct {
	Conflicts []string `json:"conflicts"`
	Gaps      []Gap    `json:"gaps"`
}

// Scan runs Conflicts and Gaps over events. Conflict ids are sorted.
func Scan(events []model.ScheduleEvent, minGap time.Duration) Report {
	set := Conflicts(events)
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return Report{Conflicts: ids, Gaps: Gaps(events, minGap)}
}

// Conflicts returns the ids of every event whose interval overlaps another's.
// Events without an end time never conflict.
func Conflicts(events []model.ScheduleEvent) map[string]struct{} {
	timed := bounded(events)
	out := make(map[string]struct{})

	for i := 0; i < len(timed); i++ {
		a := timed[i]
		for j := i + 1; j < len(timed); j++ {
			b := timed[j]
			if a.Start.Before(*b.End) && b.Start.Before(*a.End) {
				out[a.ID] = struct{}{}
				out[b.ID] = struct{}{}
			}
		}
	}
	return out
}

// Gaps reports idle intervals of at least minGap between events that have an
// end time, taken in start order. A non-positive minGap means DefaultMinGap.
func Gaps(events []model.ScheduleEvent, minGap time.Duration) []Gap {
	if minGap <= 0 {
		minGap = DefaultMinGap
	}

	timed := bounded(events)
	sort.SliceStable(timed, func(i, j int) bool { return timed[i].Start.Before(timed[j].Start) })

	var gaps []Gap
	for i := 0; i+1 < len(timed); i++ {
		prev, next := timed[i], timed[i+1]
		idle := next.Start.Sub(*prev.End)
		if idle < minGap {
			continue
		}
		gaps = append(gaps, Gap{
			AfterID:  prev.ID,
			BeforeID: next.ID,
			Start:    *prev.End,
			End:      next.Start,
			Duration: idle,
		})
	}
	return gaps
}

// bounded keeps well-formed events that carry an end time.
func bounded(events []model.ScheduleEvent) []model.ScheduleEvent {
	out := make([]model.ScheduleEvent, 0, len(events))
	for _, ev := range events {
		if ev.Start.IsZero() || ev.End == nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}
