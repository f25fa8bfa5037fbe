package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"carerounds/internal/config"
	"carerounds/internal/domain"
	"carerounds/internal/events"
	"carerounds/internal/policy"
	"carerounds/internal/repo"
	"carerounds/internal/schedule"
	"carerounds/internal/source"
)

// Engine owns the sync, generation and lifecycle operations. All writes
// go through transactions it opens; audit events commit with the state
// change they describe.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Policies policy.Store
	Source   source.Client
	Config   *config.Config
	Now      func() time.Time

	cycles singleflight.Group
}

func New(db *sql.DB, cfg *config.Config, src source.Client) *Engine {
	r := repo.Repo{DB: db}
	return &Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Policies: policy.Store{Repo: r},
		Source:   src,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) scheduleDefaults() schedule.Defaults {
	return schedule.Defaults{
		IntervalMinutes: e.Config.IntervalFallbackMinutes(),
		DurationMinutes: e.Config.DurationFallbackMinutes(),
	}
}

// GenerateTasksForIncident materializes the follow-up tasks an incident
// requires. Repeated invocation is convergent: each expanded visit maps
// to one generation key, and keys that already exist are left alone.
func (e *Engine) GenerateTasksForIncident(ctx context.Context, incident domain.Incident) ([]domain.Task, error) {
	snapshot, err := e.Policies.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.generateWithSnapshot(ctx, snapshot, incident)
}

func (e *Engine) generateWithSnapshot(ctx context.Context, snapshot *policy.Snapshot, incident domain.Incident) ([]domain.Task, error) {
	matched, ok := snapshot.FindActive(incident.Type, incident.SubType)
	if !ok {
		// No policy is a valid outcome; surface it for operators only.
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, "incident.policy.unmatched", "incident", incident.ID, "system", events.EventPayload{
			"incident_type": incident.Type,
			"sub_type":      incident.SubType,
		}); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	}
	anchor, err := time.Parse(time.RFC3339, incident.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("incident %s occurred_at: %w", incident.ID, err)
	}
	nowT := e.now().UTC()
	visits := schedule.Expand(matched.Phases, anchor, nowT, e.scheduleDefaults())

	now := nowT.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var created []domain.Task
	for _, v := range visits {
		t := domain.Task{
			ID:                    taskID(incident.ID, matched, v),
			IncidentID:            incident.ID,
			PolicyCode:            matched.Code,
			PolicyVersion:         matched.Version,
			PhaseIndex:            v.PhaseIndex,
			VisitIndex:            v.VisitIndex,
			Name:                  fmt.Sprintf("%s: phase %d visit %d", matched.Name, v.PhaseIndex+1, v.VisitIndex+1),
			AssignedRole:          matched.AssignedRole,
			DueAt:                 v.DueAt.UTC().Format(time.RFC3339),
			Priority:              matched.Priority,
			Status:                domain.TaskPending,
			DocumentationRequired: matched.DocumentationRequired,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		inserted, err := e.Repo.InsertTaskIgnore(ctx, tx, t)
		if err != nil {
			return nil, fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		if inserted {
			created = append(created, t)
		}
	}
	if len(created) > 0 {
		if err := e.Events.Append(ctx, tx, "tasks.generated", "incident", incident.ID, "system", events.EventPayload{
			"policy_code":    matched.Code,
			"policy_version": matched.Version,
			"count":          len(created),
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// taskID derives a stable id from the generation key so retries of the
// same visit always target the same row.
func taskID(incidentID string, p domain.Policy, v schedule.Visit) string {
	key := fmt.Sprintf("task|%s|%s|%d|%d|%d", incidentID, p.Code, p.Version, v.PhaseIndex, v.VisitIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TaskPending:
		if newStatus == domain.TaskCompleted || newStatus == domain.TaskOverdue || newStatus == domain.TaskCancelled {
			return nil
		}
	case domain.TaskOverdue:
		if newStatus == domain.TaskCompleted || newStatus == domain.TaskCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// CompleteTask records completion with the acting user and timestamp.
// Overdue tasks can still be completed; completed and cancelled are
// terminal. An optional note lands in the audit event.
func (e *Engine) CompleteTask(ctx context.Context, taskID, actorID, note string) (domain.Task, error) {
	if actorID == "" {
		return domain.Task{}, errors.New("actor is required")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, domain.TaskCompleted); err != nil {
		return t, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteTask(ctx, tx, t.ID, actorID, nowStr); err != nil {
		return t, err
	}
	payload := events.EventPayload{
		"incident_id": t.IncidentID,
		"was_overdue": t.Status == domain.TaskOverdue,
	}
	if note != "" {
		payload["note"] = note
	}
	if err := e.Events.Append(ctx, tx, "task.completed", "task", t.ID, actorID, payload); err != nil {
		return t, err
	}
	if err := e.aggregateIncidentStatus(ctx, tx, t.IncidentID, actorID); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TaskCompleted
	t.CompletedBy = &actorID
	t.CompletedAt = &nowStr
	t.UpdatedAt = nowStr
	return t, nil
}

// CancelTask is the administrative exit, e.g. when an incident is
// closed early.
func (e *Engine) CancelTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, domain.TaskCancelled); err != nil {
		return t, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskStatus(ctx, tx, t.ID, domain.TaskCancelled, nowStr); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", "task", t.ID, actorID, events.EventPayload{
		"incident_id": t.IncidentID,
	}); err != nil {
		return t, err
	}
	if err := e.aggregateIncidentStatus(ctx, tx, t.IncidentID, actorID); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.TaskCancelled
	t.UpdatedAt = nowStr
	return t, nil
}

// LifecycleSummary reports one recompute pass.
type LifecycleSummary struct {
	TasksMarkedOverdue int `json:"tasks_marked_overdue"`
	IncidentsChanged   int `json:"incidents_changed"`
}

// RecomputeLifecycle flips pending tasks past their due time to
// overdue and re-aggregates incident status. Re-running never changes
// tasks already completed or cancelled.
func (e *Engine) RecomputeLifecycle(ctx context.Context, actorID string) (LifecycleSummary, error) {
	var summary LifecycleSummary
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return summary, err
	}
	defer tx.Rollback()

	due, err := e.Repo.ListDuePendingTasks(ctx, tx, nowStr)
	if err != nil {
		return summary, err
	}
	for _, t := range due {
		if err := e.Repo.SetTaskStatus(ctx, tx, t.ID, domain.TaskOverdue, nowStr); err != nil {
			return summary, err
		}
		if err := e.Events.Append(ctx, tx, "task.overdue", "task", t.ID, actorID, events.EventPayload{
			"incident_id": t.IncidentID,
			"due_at":      t.DueAt,
		}); err != nil {
			return summary, err
		}
		summary.TasksMarkedOverdue++
	}

	incidentIDs, err := e.Repo.ListIncidentIDsWithTasks(ctx, tx)
	if err != nil {
		return summary, err
	}
	for _, id := range incidentIDs {
		changed, err := e.aggregateIncidentStatusReport(ctx, tx, id, actorID)
		if err != nil {
			return summary, err
		}
		if changed {
			summary.IncidentsChanged++
		}
	}
	return summary, tx.Commit()
}

func (e *Engine) aggregateIncidentStatus(ctx context.Context, tx *sql.Tx, incidentID, actorID string) error {
	_, err := e.aggregateIncidentStatusReport(ctx, tx, incidentID, actorID)
	return err
}

// aggregateIncidentStatusReport derives incident status from its
// mandatory tasks: Overdue when any mandatory task is overdue, Closed
// when none are pending or overdue, otherwise Open. Incidents without
// mandatory tasks are left alone.
func (e *Engine) aggregateIncidentStatusReport(ctx context.Context, tx *sql.Tx, incidentID, actorID string) (bool, error) {
	counts, err := e.Repo.MandatoryTaskCounts(ctx, tx, incidentID)
	if err != nil {
		return false, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return false, nil
	}
	next := domain.IncidentOpen
	switch {
	case counts[domain.TaskOverdue] > 0:
		next = domain.IncidentOverdue
	case counts[domain.TaskPending] == 0:
		next = domain.IncidentClosed
	}
	row := tx.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id=?`, incidentID)
	var current string
	if err := row.Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return false, repo.ErrNotFound
		}
		return false, err
	}
	if current == next {
		return false, nil
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIncidentStatus(ctx, tx, incidentID, next, nowStr); err != nil {
		return false, err
	}
	evtType := "incident.status.changed"
	if next == domain.IncidentOverdue {
		evtType = "incident.overdue"
	}
	if err := e.Events.Append(ctx, tx, evtType, "incident", incidentID, actorID, events.EventPayload{
		"from": current,
		"to":   next,
	}); err != nil {
		return false, err
	}
	return true, nil
}
