package engine

import (
	"time"

	"carerounds/internal/domain"
	"carerounds/internal/policy"
)

func defaultPolicies(now time.Time) ([]domain.Policy, error) {
	return policy.ParseFile([]byte(defaultPolicyTemplate), now)
}

// DefaultPolicyYAML returns the seed policy document, also used by
// `cr policy template`.
func DefaultPolicyYAML() string {
	return defaultPolicyTemplate
}

const defaultPolicyTemplate = `policies:
  - code: FALL-001-UNWITNESSED
    version: 1
    name: Unwitnessed fall response
    trigger:
      - field: incident_type
        operator: "=="
        value: Fall
      - field: sub_type
        operator: "=="
        value: unwitnessed
    priority: high
    assigned_role: nurse
    documentation_required: true
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
      - interval: 4
        interval_unit: hours
        duration: 2
        duration_unit: days

  - code: FALL-002-WITNESSED
    version: 1
    name: Witnessed fall response
    trigger:
      - field: incident_type
        operator: "=="
        value: Fall
      - field: sub_type
        operator: "=="
        value: witnessed
    priority: medium
    assigned_role: nurse
    documentation_required: true
    phases:
      - interval: 30
        interval_unit: minutes
        duration: 30
        duration_unit: minutes
        first_visit_immediate: true
      - interval: 2
        interval_unit: hours
        duration: 24
        duration_unit: hours

  - code: FALL-000-GENERIC
    version: 1
    name: Fall response
    trigger:
      - field: incident_type
        operator: "=="
        value: Fall
    priority: medium
    assigned_role: care-assistant
    documentation_required: true
    phases:
      - interval: 1
        interval_unit: hours
        duration: 4
        duration_unit: hours
        first_visit_immediate: true
`
