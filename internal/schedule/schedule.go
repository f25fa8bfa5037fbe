// Package schedule expands a policy's phase list into concrete timed
// visits. Expansion is a pure function of its inputs so repeated runs
// over the same incident always produce the same plan.
package schedule

import (
	"time"

	"carerounds/internal/domain"
)

// Visit is one expanded follow-up slot within a phase.
type Visit struct {
	DueAt      time.Time
	PhaseIndex int
	VisitIndex int
}

// Defaults substitute for missing phase fields at expansion time. An
// incomplete phase must never block generation.
type Defaults struct {
	IntervalMinutes int
	DurationMinutes int
}

// Expand walks the phases in order. Each phase starts where the
// previous phase's window ended; phase 0 starts at the anchor (the
// incident's occurrence time), unless its first-visit-immediate flag is
// set and the anchor already lies in the past, in which case the whole
// schedule begins at now: the first round happens when the incident is
// picked up, not retroactively. Within a phase, visit i is due at
// phaseStart + i*interval, and the visit count is
// max(1, floor(duration/interval)) so a phase shorter than one full
// interval still yields exactly one visit.
func Expand(phases []domain.Phase, anchor, now time.Time, d Defaults) []Visit {
	var visits []Visit
	phaseStart := anchor
	if len(phases) > 0 && phases[0].FirstVisitImmediate && now.After(anchor) {
		phaseStart = now
	}
	for idx, p := range phases {
		interval := intervalMinutes(p, d)
		duration := durationMinutes(p, d)
		count := duration / interval
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			visits = append(visits, Visit{
				DueAt:      phaseStart.Add(time.Duration(i*interval) * time.Minute),
				PhaseIndex: idx,
				VisitIndex: i,
			})
		}
		phaseStart = phaseStart.Add(time.Duration(duration) * time.Minute)
	}
	return visits
}

func intervalMinutes(p domain.Phase, d Defaults) int {
	v := p.Interval
	if v <= 0 {
		return fallback(d.IntervalMinutes, 30)
	}
	if p.IntervalUnit == "hours" {
		return v * 60
	}
	return v
}

func durationMinutes(p domain.Phase, d Defaults) int {
	v := p.Duration
	if v <= 0 {
		return fallback(d.DurationMinutes, 120)
	}
	switch p.DurationUnit {
	case "hours":
		return v * 60
	case "days":
		return v * 1440
	}
	return v
}

func fallback(configured, hard int) int {
	if configured > 0 {
		return configured
	}
	return hard
}
