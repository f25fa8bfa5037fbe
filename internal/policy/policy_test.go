package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carerounds/internal/domain"
)

var loadTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const validDoc = `policies:
  - code: FALL-001
    version: 2
    name: Unwitnessed fall response
    trigger:
      - field: incident_type
        operator: "=="
        value: Fall
      - field: sub_type
        operator: "=="
        value: unwitnessed
    priority: high
    phases:
      - interval: 30
        interval_unit: minutes
        duration: 2
        duration_unit: hours
        first_visit_immediate: true
      - interval: 1
        interval_unit: hours
        duration: 22
        duration_unit: hours
`

func TestParseFile(t *testing.T) {
	policies, err := ParseFile([]byte(validDoc), loadTime)
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "FALL-001", p.Code)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, "Fall", p.IncidentType)
	assert.Equal(t, "unwitnessed", p.Discriminator)
	assert.Equal(t, "high", p.Priority)
	require.Len(t, p.Phases, 2)
	assert.True(t, p.Phases[0].FirstVisitImmediate)
	assert.Equal(t, "2026-01-01T00:00:00Z", p.CreatedAt)

	// defaults filled in where the document is silent
	assert.Equal(t, "nurse", p.AssignedRole)
	assert.True(t, p.DocumentationRequired)
	assert.True(t, p.Active)

	// the id is derived from (code, version) and stable across loads
	again, err := ParseFile([]byte(validDoc), loadTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, p.ID, again[0].ID)
}

func TestParseFileRejections(t *testing.T) {
	cases := map[string]string{
		"empty document": `policies: []`,
		"missing code": `policies:
  - name: x
    trigger: [{field: incident_type, value: Fall}]
    phases: [{interval: 30, duration: 60}]`,
		"missing trigger": `policies:
  - code: A
    name: x
    phases: [{interval: 30, duration: 60}]`,
		"unsupported operator": `policies:
  - code: A
    name: x
    trigger: [{field: incident_type, operator: ">", value: Fall}]
    phases: [{interval: 30, duration: 60}]`,
		"unsupported trigger field": `policies:
  - code: A
    name: x
    trigger: [{field: severity, value: high}]
    phases: [{interval: 30, duration: 60}]`,
		"sub_type without incident_type": `policies:
  - code: A
    name: x
    trigger: [{field: sub_type, value: unwitnessed}]
    phases: [{interval: 30, duration: 60}]`,
		"no phases": `policies:
  - code: A
    name: x
    trigger: [{field: incident_type, value: Fall}]
    phases: []`,
		"bad interval unit": `policies:
  - code: A
    name: x
    trigger: [{field: incident_type, value: Fall}]
    phases: [{interval: 30, interval_unit: seconds, duration: 60}]`,
		"bad priority": `policies:
  - code: A
    name: x
    priority: urgent
    trigger: [{field: incident_type, value: Fall}]
    phases: [{interval: 30, duration: 60}]`,
		"duplicate code and version": `policies:
  - code: A
    name: x
    trigger: [{field: incident_type, value: Fall}]
    phases: [{interval: 30, duration: 60}]
  - code: A
    name: y
    trigger: [{field: incident_type, value: Fall}]
    phases: [{interval: 30, duration: 60}]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFile([]byte(doc), loadTime)
			assert.Error(t, err)
		})
	}
}

func snapshotOf(policies ...domain.Policy) *Snapshot {
	return &Snapshot{policies: policies}
}

func pol(code string, version int, incidentType, discriminator string) domain.Policy {
	return domain.Policy{
		Code: code, Version: version,
		IncidentType: incidentType, Discriminator: discriminator,
		Active: true,
	}
}

func TestFindActiveSpecificity(t *testing.T) {
	sn := snapshotOf(
		pol("GEN", 1, "Fall", ""),
		pol("UNW", 1, "Fall", "unwitnessed"),
	)

	p, ok := sn.FindActive("Fall", "unwitnessed")
	require.True(t, ok)
	assert.Equal(t, "UNW", p.Code)

	// no discriminator match falls back to the type-only policy
	p, ok = sn.FindActive("Fall", "witnessed")
	require.True(t, ok)
	assert.Equal(t, "GEN", p.Code)

	_, ok = sn.FindActive("Medication", "")
	assert.False(t, ok)
}

func TestFindActiveVersionTiebreak(t *testing.T) {
	sn := snapshotOf(
		pol("UNW", 1, "Fall", "unwitnessed"),
		pol("UNW", 3, "Fall", "unwitnessed"),
		pol("UNW", 2, "Fall", "unwitnessed"),
	)
	p, ok := sn.FindActive("Fall", "unwitnessed")
	require.True(t, ok)
	assert.Equal(t, 3, p.Version)
}

func TestSnapshotPoliciesOrdered(t *testing.T) {
	sn := snapshotOf(
		pol("B", 1, "Fall", ""),
		pol("A", 2, "Fall", ""),
		pol("A", 1, "Fall", ""),
	)
	out := sn.Policies()
	require.Len(t, out, 3)
	assert.Equal(t, "A", out[0].Code)
	assert.Equal(t, 2, out[0].Version)
	assert.Equal(t, "B", out[2].Code)
}
