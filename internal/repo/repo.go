package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"carerounds/internal/config"
	"carerounds/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- policies ---

func marshalPhases(phases []domain.Phase) (string, error) {
	b, err := json.Marshal(phases)
	if err != nil {
		return "", fmt.Errorf("marshal phases: %w", err)
	}
	return string(b), nil
}

func unmarshalPhases(raw string, p *domain.Policy) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &p.Phases); err != nil {
		return fmt.Errorf("policy %s v%d phases: %w", p.Code, p.Version, err)
	}
	return nil
}

func (r Repo) InsertPolicy(ctx context.Context, tx *sql.Tx, p domain.Policy) error {
	phases, err := marshalPhases(p.Phases)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO policies(id,code,version,name,incident_type,discriminator,phases_json,priority,assigned_role,documentation_required,active,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Code, p.Version, p.Name, p.IncidentType, nullable(p.Discriminator), phases,
		p.Priority, p.AssignedRole, boolInt(p.DocumentationRequired), boolInt(p.Active), p.CreatedAt)
	return err
}

// ReplacePolicy overwrites an existing (code, version) row in place.
// Callers must verify the policy is not yet referenced by any task.
func (r Repo) ReplacePolicy(ctx context.Context, tx *sql.Tx, p domain.Policy) error {
	phases, err := marshalPhases(p.Phases)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO policies(id,code,version,name,incident_type,discriminator,phases_json,priority,assigned_role,documentation_required,active,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(code,version) DO UPDATE SET
  name=excluded.name, incident_type=excluded.incident_type, discriminator=excluded.discriminator,
  phases_json=excluded.phases_json, priority=excluded.priority, assigned_role=excluded.assigned_role,
  documentation_required=excluded.documentation_required, active=excluded.active`,
		p.ID, p.Code, p.Version, p.Name, p.IncidentType, nullable(p.Discriminator), phases,
		p.Priority, p.AssignedRole, boolInt(p.DocumentationRequired), boolInt(p.Active), p.CreatedAt)
	return err
}

const policyColumns = `id,code,version,name,incident_type,COALESCE(discriminator,''),phases_json,priority,assigned_role,documentation_required,active,created_at`

func scanPolicy(scan func(dest ...any) error) (domain.Policy, error) {
	var p domain.Policy
	var phases string
	var docRequired, active int
	err := scan(&p.ID, &p.Code, &p.Version, &p.Name, &p.IncidentType, &p.Discriminator, &phases,
		&p.Priority, &p.AssignedRole, &docRequired, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.DocumentationRequired = docRequired != 0
	p.Active = active != 0
	return p, unmarshalPhases(phases, &p)
}

func (r Repo) GetPolicy(ctx context.Context, code string, version int) (domain.Policy, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE code=? AND version=?`, code, version)
	return scanPolicy(row.Scan)
}

// GetPolicyTx reads a policy through an open transaction. Callers
// holding a write transaction must use this instead of GetPolicy: a
// pool read would block on the write lock the transaction holds.
func (r Repo) GetPolicyTx(ctx context.Context, tx *sql.Tx, code string, version int) (domain.Policy, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE code=? AND version=?`, code, version)
	return scanPolicy(row.Scan)
}

func (r Repo) ListPolicies(ctx context.Context, activeOnly bool) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY code ASC, version DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeactivatePolicy(ctx context.Context, tx *sql.Tx, code string) error {
	res, err := tx.ExecContext(ctx, `UPDATE policies SET active=0 WHERE code=?`, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PolicyReferenced reports whether any task was generated from the
// given policy version; referenced policies are immutable.
func (r Repo) PolicyReferenced(ctx context.Context, code string, version int) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE policy_code=? AND policy_version=? LIMIT 1`, code, version)
	return scanReferenced(row.Scan)
}

// PolicyReferencedTx is PolicyReferenced through an open transaction.
func (r Repo) PolicyReferencedTx(ctx context.Context, tx *sql.Tx, code string, version int) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE policy_code=? AND policy_version=? LIMIT 1`, code, version)
	return scanReferenced(row.Scan)
}

func scanReferenced(scan func(dest ...any) error) (bool, error) {
	var one int
	err := scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- incidents ---

const incidentColumns = `id,external_id,resident_id,incident_type,COALESCE(sub_type,''),severity,status,occurred_at,COALESCE(description,''),COALESCE(location,''),created_at,updated_at`

func scanIncident(scan func(dest ...any) error) (domain.Incident, error) {
	var in domain.Incident
	err := scan(&in.ID, &in.ExternalID, &in.ResidentID, &in.Type, &in.SubType, &in.Severity,
		&in.Status, &in.OccurredAt, &in.Description, &in.Location, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	return scanIncident(row.Scan)
}

func (r Repo) GetIncidentByExternalID(ctx context.Context, externalID string) (domain.Incident, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE external_id=?`, externalID)
	return scanIncident(row.Scan)
}

func (r Repo) getIncidentByExternalIDTx(ctx context.Context, tx *sql.Tx, externalID string) (domain.Incident, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE external_id=?`, externalID)
	return scanIncident(row.Scan)
}

// UpsertResult classifies what an incident upsert did.
type UpsertResult int

const (
	UpsertInserted UpsertResult = iota
	UpsertUpdated
	UpsertUnchanged
)

// UpsertIncident inserts or updates by external id, never duplicating.
// Identity fields (id, external_id, created_at) are preserved on
// update; an update that changes nothing is reported as unchanged.
func (r Repo) UpsertIncident(ctx context.Context, tx *sql.Tx, in domain.Incident) (domain.Incident, UpsertResult, error) {
	existing, err := r.getIncidentByExternalIDTx(ctx, tx, in.ExternalID)
	if errors.Is(err, ErrNotFound) {
		_, err := tx.ExecContext(ctx, `INSERT INTO incidents(id,external_id,resident_id,incident_type,sub_type,severity,status,occurred_at,description,location,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			in.ID, in.ExternalID, in.ResidentID, in.Type, nullable(in.SubType), in.Severity, in.Status,
			in.OccurredAt, nullable(in.Description), nullable(in.Location), in.CreatedAt, in.UpdatedAt)
		return in, UpsertInserted, err
	}
	if err != nil {
		return in, UpsertUnchanged, err
	}
	if incidentContentEqual(existing, in) {
		return existing, UpsertUnchanged, nil
	}
	in.ID = existing.ID
	in.CreatedAt = existing.CreatedAt
	in.Status = existing.Status
	_, err = tx.ExecContext(ctx, `UPDATE incidents SET resident_id=?, incident_type=?, sub_type=?, severity=?, occurred_at=?, description=?, location=?, updated_at=? WHERE external_id=?`,
		in.ResidentID, in.Type, nullable(in.SubType), in.Severity, in.OccurredAt,
		nullable(in.Description), nullable(in.Location), in.UpdatedAt, in.ExternalID)
	return in, UpsertUpdated, err
}

func incidentContentEqual(a, b domain.Incident) bool {
	return a.ResidentID == b.ResidentID &&
		a.Type == b.Type &&
		a.SubType == b.SubType &&
		a.Severity == b.Severity &&
		a.OccurredAt == b.OccurredAt &&
		a.Description == b.Description &&
		a.Location == b.Location
}

func (r Repo) UpdateIncidentStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE incidents SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type IncidentFilters struct {
	Status          string
	ResidentID      string
	Type            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListIncidents(ctx context.Context, f IncidentFilters) ([]domain.Incident, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ResidentID != "" {
		clauses = append(clauses, "resident_id=?")
		args = append(args, f.ResidentID)
	}
	if f.Type != "" {
		clauses = append(clauses, "incident_type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		in, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ListIncidentIDsWithTasks returns incident ids that currently have at
// least one generated task, for lifecycle aggregation.
func (r Repo) ListIncidentIDsWithTasks(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT incident_id FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- tasks ---

const taskColumns = `id,incident_id,policy_code,policy_version,phase_index,visit_index,name,assigned_role,due_at,priority,status,documentation_required,completed_by,completed_at,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var docRequired int
	var completedBy, completedAt sql.NullString
	err := scan(&t.ID, &t.IncidentID, &t.PolicyCode, &t.PolicyVersion, &t.PhaseIndex, &t.VisitIndex,
		&t.Name, &t.AssignedRole, &t.DueAt, &t.Priority, &t.Status, &docRequired, &completedBy, &completedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DocumentationRequired = docRequired != 0
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

// InsertTaskIgnore writes a generated task guarded by the unique
// generation key. A conflicting row means another generation attempt
// already won the race; that is success, reported as inserted=false.
func (r Repo) InsertTaskIgnore(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,incident_id,policy_code,policy_version,phase_index,visit_index,name,assigned_role,due_at,priority,status,documentation_required,completed_by,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(incident_id,policy_code,policy_version,phase_index,visit_index) DO NOTHING`,
		t.ID, t.IncidentID, t.PolicyCode, t.PolicyVersion, t.PhaseIndex, t.VisitIndex,
		t.Name, t.AssignedRole, t.DueAt, t.Priority, t.Status, boolInt(t.DocumentationRequired),
		nullableStringPtr(t.CompletedBy), nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	IncidentID  string
	Status      string
	Role        string
	DueBefore   string
	Limit       int
	CursorDueAt string
	CursorID    string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.IncidentID != "" {
		clauses = append(clauses, "incident_id=?")
		args = append(args, f.IncidentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		clauses = append(clauses, "assigned_role=?")
		args = append(args, f.Role)
	}
	if f.DueBefore != "" {
		clauses = append(clauses, "due_at < ?")
		args = append(args, f.DueBefore)
	}
	if f.CursorDueAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(due_at > ? OR (due_at = ? AND id > ?))")
		args = append(args, f.CursorDueAt, f.CursorDueAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY due_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListDuePendingTasks returns pending tasks whose due time has passed.
func (r Repo) ListDuePendingTasks(ctx context.Context, tx *sql.Tx, now string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND due_at<=? ORDER BY due_at ASC, id ASC`, domain.TaskPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTaskStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id, actorID, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_by=?, completed_at=?, updated_at=? WHERE id=?`,
		domain.TaskCompleted, actorID, completedAt, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MandatoryTaskCounts aggregates documentation-required tasks for one
// incident by status.
func (r Repo) MandatoryTaskCounts(ctx context.Context, tx *sql.Tx, incidentID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE incident_id=? AND documentation_required=1 GROUP BY status`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- sync state ---

func (r Repo) GetSyncState(ctx context.Context, source string) (domain.SyncState, error) {
	var st domain.SyncState
	err := r.DB.QueryRowContext(ctx, `SELECT source,cursor,last_synced_at FROM sync_state WHERE source=?`, source).
		Scan(&st.Source, &st.Cursor, &st.LastSyncedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

// UpsertSyncState must run inside the cycle's final transaction so the
// cursor never advances past work that did not commit.
func (r Repo) UpsertSyncState(ctx context.Context, tx *sql.Tx, st domain.SyncState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_state(source,cursor,last_synced_at) VALUES (?,?,?)
ON CONFLICT(source) DO UPDATE SET cursor=excluded.cursor, last_synced_at=excluded.last_synced_at`,
		st.Source, st.Cursor, st.LastSyncedAt)
	return err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// --- facility config ---

func (r Repo) UpsertFacilityConfig(ctx context.Context, facilityID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Facility.ID = facilityID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO facility_configs(facility_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(facility_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, facilityID, string(payload), now, now)
	return err
}

func (r Repo) GetFacilityConfig(ctx context.Context, facilityID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM facility_configs WHERE facility_id=?`, facilityID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Facility.ID == "" {
		cfg.Facility.ID = facilityID
	}
	return &cfg, cfg.Validate()
}

// SingleFacilityConfig returns the only configured facility, erroring
// when zero or multiple rows exist.
func (r Repo) SingleFacilityConfig(ctx context.Context) (string, *config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT facility_id FROM facility_configs`)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", nil, ErrNotFound
	}
	if len(ids) > 1 {
		return "", nil, fmt.Errorf("multiple facilities exist; specify --facility")
	}
	cfg, err := r.GetFacilityConfig(ctx, ids[0])
	return ids[0], cfg, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
