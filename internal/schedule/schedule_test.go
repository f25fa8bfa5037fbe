package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carerounds/internal/domain"
	"carerounds/internal/schedule"
)

var anchor = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func TestExpandSinglePhase(t *testing.T) {
	visits := schedule.Expand([]domain.Phase{
		{Interval: 30, IntervalUnit: "minutes", Duration: 2, DurationUnit: "hours"},
	}, anchor, anchor, schedule.Defaults{})

	require.Len(t, visits, 4)
	for i, v := range visits {
		assert.Equal(t, 0, v.PhaseIndex)
		assert.Equal(t, i, v.VisitIndex)
		assert.Equal(t, anchor.Add(time.Duration(i*30)*time.Minute), v.DueAt)
	}
}

func TestExpandFirstVisitImmediate(t *testing.T) {
	// immediate phase picked up after the fact: the schedule starts at
	// pickup time, not retroactively at the incident timestamp
	picked := anchor.Add(45 * time.Minute)
	visits := schedule.Expand([]domain.Phase{
		{Interval: 30, IntervalUnit: "minutes", Duration: 1, DurationUnit: "hours", FirstVisitImmediate: true},
	}, anchor, picked, schedule.Defaults{})

	require.Len(t, visits, 2)
	assert.Equal(t, picked, visits[0].DueAt)
	assert.Equal(t, picked.Add(30*time.Minute), visits[1].DueAt)

	// without the flag the incident timestamp anchors the schedule and
	// visits already past due stay in the plan
	visits = schedule.Expand([]domain.Phase{
		{Interval: 30, IntervalUnit: "minutes", Duration: 1, DurationUnit: "hours"},
	}, anchor, picked, schedule.Defaults{})

	require.Len(t, visits, 2)
	assert.Equal(t, anchor, visits[0].DueAt)
}

func TestExpandShortPhaseYieldsOneVisit(t *testing.T) {
	// duration equal to one interval still produces exactly one visit
	visits := schedule.Expand([]domain.Phase{
		{Interval: 30, IntervalUnit: "minutes", Duration: 30, DurationUnit: "minutes"},
	}, anchor, anchor, schedule.Defaults{})

	require.Len(t, visits, 1)
	assert.Equal(t, anchor, visits[0].DueAt)
}

func TestExpandDegenerateDuration(t *testing.T) {
	// duration shorter than the interval rounds up to a single visit
	visits := schedule.Expand([]domain.Phase{
		{Interval: 60, IntervalUnit: "minutes", Duration: 10, DurationUnit: "minutes"},
	}, anchor, anchor, schedule.Defaults{})

	require.Len(t, visits, 1)
	assert.Equal(t, anchor, visits[0].DueAt)
}

func TestExpandPhaseChaining(t *testing.T) {
	visits := schedule.Expand([]domain.Phase{
		{Interval: 30, IntervalUnit: "minutes", Duration: 1, DurationUnit: "hours"},
		{Interval: 2, IntervalUnit: "hours", Duration: 4, DurationUnit: "hours"},
	}, anchor, anchor, schedule.Defaults{})

	require.Len(t, visits, 4)
	// phase 0: 10:00, 10:30; phase 1 starts where phase 0's window ends
	assert.Equal(t, anchor, visits[0].DueAt)
	assert.Equal(t, anchor.Add(30*time.Minute), visits[1].DueAt)
	assert.Equal(t, 1, visits[2].PhaseIndex)
	assert.Equal(t, anchor.Add(1*time.Hour), visits[2].DueAt)
	assert.Equal(t, anchor.Add(3*time.Hour), visits[3].DueAt)
}

func TestExpandUnitConversion(t *testing.T) {
	visits := schedule.Expand([]domain.Phase{
		{Interval: 4, IntervalUnit: "hours", Duration: 1, DurationUnit: "days"},
	}, anchor, anchor, schedule.Defaults{})

	require.Len(t, visits, 6)
	assert.Equal(t, anchor.Add(20*time.Hour), visits[5].DueAt)
}

func TestExpandDefaultsSubstitution(t *testing.T) {
	// missing interval and duration fall back to the configured defaults
	visits := schedule.Expand([]domain.Phase{{}}, anchor, anchor, schedule.Defaults{
		IntervalMinutes: 15,
		DurationMinutes: 60,
	})
	require.Len(t, visits, 4)
	assert.Equal(t, anchor.Add(45*time.Minute), visits[3].DueAt)

	// without configured defaults the hard fallbacks apply (30m over 2h)
	visits = schedule.Expand([]domain.Phase{{}}, anchor, anchor, schedule.Defaults{})
	require.Len(t, visits, 4)
	assert.Equal(t, anchor.Add(90*time.Minute), visits[3].DueAt)
}

func TestExpandStrictlyIncreasingWithinPhase(t *testing.T) {
	visits := schedule.Expand([]domain.Phase{
		{Interval: 30, IntervalUnit: "minutes", Duration: 2, DurationUnit: "hours"},
		{Interval: 1, IntervalUnit: "hours", Duration: 22, DurationUnit: "hours"},
		{Interval: 4, IntervalUnit: "hours", Duration: 2, DurationUnit: "days"},
	}, anchor, anchor, schedule.Defaults{})

	require.NotEmpty(t, visits)
	for i := 1; i < len(visits); i++ {
		assert.True(t, visits[i].DueAt.After(visits[i-1].DueAt),
			"visit %d (%s) not after visit %d (%s)", i, visits[i].DueAt, i-1, visits[i-1].DueAt)
	}
}

func TestExpandNoPhases(t *testing.T) {
	assert.Empty(t, schedule.Expand(nil, anchor, anchor, schedule.Defaults{}))
}
