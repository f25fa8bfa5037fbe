package domain

// Policy is a versioned response rule set. A policy is immutable once a
// generated task references its (Code, Version) pair.
type Policy struct {
	ID                    string  `json:"id"`
	Code                  string  `json:"code"`
	Version               int     `json:"version"`
	Name                  string  `json:"name"`
	IncidentType          string  `json:"incident_type"`
	Discriminator         string  `json:"discriminator,omitempty"`
	Phases                []Phase `json:"phases"`
	Priority              string  `json:"priority" enum:"low,medium,high"`
	AssignedRole          string  `json:"assigned_role"`
	DocumentationRequired bool    `json:"documentation_required"`
	Active                bool    `json:"active"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
}

// Phase is one segment of a policy schedule: repeat a visit every
// Interval for Duration, starting where the previous phase ended.
type Phase struct {
	Interval            int    `json:"interval"`
	IntervalUnit        string `json:"interval_unit" enum:"minutes,hours"`
	Duration            int    `json:"duration"`
	DurationUnit        string `json:"duration_unit" enum:"minutes,hours,days"`
	FirstVisitImmediate bool   `json:"first_visit_immediate,omitempty"`
}

type Incident struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id"`
	ResidentID  string `json:"resident_id"`
	Type        string `json:"type"`
	SubType     string `json:"sub_type,omitempty"`
	Severity    string `json:"severity"`
	Status      string `json:"status" enum:"Open,Closed,Overdue,Unknown"`
	OccurredAt  string `json:"occurred_at" format:"date-time"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Task is a single timed follow-up visit derived from a policy phase.
// The tuple (IncidentID, PolicyCode, PolicyVersion, PhaseIndex,
// VisitIndex) is the generation key guarding against duplicates.
type Task struct {
	ID                    string  `json:"id"`
	IncidentID            string  `json:"incident_id"`
	PolicyCode            string  `json:"policy_code"`
	PolicyVersion         int     `json:"policy_version"`
	PhaseIndex            int     `json:"phase_index"`
	VisitIndex            int     `json:"visit_index"`
	Name                  string  `json:"name"`
	AssignedRole          string  `json:"assigned_role"`
	DueAt                 string  `json:"due_at" format:"date-time"`
	Priority              string  `json:"priority"`
	Status                string  `json:"status" enum:"pending,completed,overdue,cancelled"`
	DocumentationRequired bool    `json:"documentation_required"`
	CompletedBy           *string `json:"completed_by,omitempty"`
	CompletedAt           *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
}

// SyncState is the durable ingestion cursor for one external source.
type SyncState struct {
	Source       string `json:"source"`
	Cursor       string `json:"cursor"`
	LastSyncedAt string `json:"last_synced_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Incident status values. Unknown is the sentinel used when the source
// record carries a status the sync does not recognize.
const (
	IncidentOpen    = "Open"
	IncidentClosed  = "Closed"
	IncidentOverdue = "Overdue"
	IncidentUnknown = "Unknown"
)

// SeverityUnknown is stored whenever the source omits severity; the
// severity column is NOT NULL.
const SeverityUnknown = "Unknown"

// Task status values.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskOverdue   = "overdue"
	TaskCancelled = "cancelled"
)
