// Package policy loads, validates and matches versioned response
// policies. Definitions arrive as YAML; they are validated once at load
// time with documented defaults substituted, never re-read ad hoc.
package policy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"carerounds/internal/domain"
)

// TriggerCondition is one clause of a policy trigger. Only equality on
// incident_type and sub_type is supported; anything else is rejected at
// load so an unmatchable rule cannot sit silently in the store.
type TriggerCondition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
}

// Definition is the YAML shape of one policy.
type Definition struct {
	Code                  string             `yaml:"code"`
	Version               int                `yaml:"version"`
	Name                  string             `yaml:"name"`
	Trigger               []TriggerCondition `yaml:"trigger"`
	Phases                []PhaseDefinition  `yaml:"phases"`
	Priority              string             `yaml:"priority"`
	AssignedRole          string             `yaml:"assigned_role"`
	DocumentationRequired *bool              `yaml:"documentation_required"`
	Active                *bool              `yaml:"active"`
}

type PhaseDefinition struct {
	Interval            int    `yaml:"interval"`
	IntervalUnit        string `yaml:"interval_unit"`
	Duration            int    `yaml:"duration"`
	DurationUnit        string `yaml:"duration_unit"`
	FirstVisitImmediate bool   `yaml:"first_visit_immediate"`
}

type file struct {
	Policies []Definition `yaml:"policies"`
}

// ParseFile parses a YAML policy document into validated domain
// policies. now stamps created_at on the result.
func ParseFile(data []byte, now time.Time) ([]domain.Policy, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if len(f.Policies) == 0 {
		return nil, fmt.Errorf("policy file contains no policies")
	}
	res := make([]domain.Policy, 0, len(f.Policies))
	seen := map[string]bool{}
	for i, def := range f.Policies {
		p, err := def.toDomain(now)
		if err != nil {
			return nil, fmt.Errorf("policies[%d] (%s): %w", i, def.Code, err)
		}
		key := fmt.Sprintf("%s@%d", p.Code, p.Version)
		if seen[key] {
			return nil, fmt.Errorf("policies[%d]: duplicate %s", i, key)
		}
		seen[key] = true
		res = append(res, p)
	}
	return res, nil
}

func (d Definition) toDomain(now time.Time) (domain.Policy, error) {
	if d.Code == "" {
		return domain.Policy{}, fmt.Errorf("code is required")
	}
	if d.Name == "" {
		return domain.Policy{}, fmt.Errorf("name is required")
	}
	incidentType, discriminator, err := foldTrigger(d.Trigger)
	if err != nil {
		return domain.Policy{}, err
	}
	if len(d.Phases) == 0 {
		return domain.Policy{}, fmt.Errorf("at least one phase is required")
	}
	version := d.Version
	if version <= 0 {
		version = 1
	}
	priority := d.Priority
	if priority == "" {
		priority = "medium"
	}
	switch priority {
	case "low", "medium", "high":
	default:
		return domain.Policy{}, fmt.Errorf("unknown priority %q", priority)
	}
	role := d.AssignedRole
	if role == "" {
		role = "nurse"
	}
	phases := make([]domain.Phase, 0, len(d.Phases))
	for i, ph := range d.Phases {
		converted, err := ph.toDomain()
		if err != nil {
			return domain.Policy{}, fmt.Errorf("phases[%d]: %w", i, err)
		}
		phases = append(phases, converted)
	}
	docRequired := true
	if d.DocumentationRequired != nil {
		docRequired = *d.DocumentationRequired
	}
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return domain.Policy{
		ID:                    uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("policy|%s|%d", d.Code, version))).String(),
		Code:                  d.Code,
		Version:               version,
		Name:                  d.Name,
		IncidentType:          incidentType,
		Discriminator:         discriminator,
		Phases:                phases,
		Priority:              priority,
		AssignedRole:          role,
		DocumentationRequired: docRequired,
		Active:                active,
		CreatedAt:             now.UTC().Format(time.RFC3339),
	}, nil
}

func (d PhaseDefinition) toDomain() (domain.Phase, error) {
	intervalUnit := d.IntervalUnit
	if intervalUnit == "" {
		intervalUnit = "minutes"
	}
	switch intervalUnit {
	case "minutes", "hours":
	default:
		return domain.Phase{}, fmt.Errorf("unknown interval unit %q", intervalUnit)
	}
	durationUnit := d.DurationUnit
	if durationUnit == "" {
		durationUnit = "minutes"
	}
	switch durationUnit {
	case "minutes", "hours", "days":
	default:
		return domain.Phase{}, fmt.Errorf("unknown duration unit %q", durationUnit)
	}
	if d.Interval < 0 || d.Duration < 0 {
		return domain.Phase{}, fmt.Errorf("interval and duration must not be negative")
	}
	return domain.Phase{
		Interval:            d.Interval,
		IntervalUnit:        intervalUnit,
		Duration:            d.Duration,
		DurationUnit:        durationUnit,
		FirstVisitImmediate: d.FirstVisitImmediate,
	}, nil
}

func foldTrigger(conds []TriggerCondition) (incidentType, discriminator string, err error) {
	if len(conds) == 0 {
		return "", "", fmt.Errorf("trigger is required")
	}
	for i, c := range conds {
		if c.Operator != "" && c.Operator != "==" && c.Operator != "eq" {
			return "", "", fmt.Errorf("trigger[%d]: unsupported operator %q", i, c.Operator)
		}
		if c.Value == "" {
			return "", "", fmt.Errorf("trigger[%d]: value is required", i)
		}
		switch c.Field {
		case "incident_type":
			if incidentType != "" {
				return "", "", fmt.Errorf("trigger[%d]: duplicate incident_type clause", i)
			}
			incidentType = c.Value
		case "sub_type":
			if discriminator != "" {
				return "", "", fmt.Errorf("trigger[%d]: duplicate sub_type clause", i)
			}
			discriminator = c.Value
		default:
			return "", "", fmt.Errorf("trigger[%d]: unsupported field %q", i, c.Field)
		}
	}
	if incidentType == "" {
		return "", "", fmt.Errorf("trigger must include an incident_type clause")
	}
	return incidentType, discriminator, nil
}
