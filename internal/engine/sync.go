package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"carerounds/internal/domain"
	"carerounds/internal/events"
	"carerounds/internal/repo"
	"carerounds/internal/source"
)

// SyncSummary reports one ingest pass against the external source.
type SyncSummary struct {
	Inserted     int    `json:"inserted"`
	Updated      int    `json:"updated"`
	Unchanged    int    `json:"unchanged"`
	Skipped      int    `json:"skipped"`
	TasksCreated int    `json:"tasks_created"`
	Cursor       string `json:"cursor"`
}

// CycleResult is the outcome of one full sync, generate and lifecycle
// cycle.
type CycleResult struct {
	Sync      SyncSummary      `json:"sync"`
	Lifecycle LifecycleSummary `json:"lifecycle"`
}

// RunCycle executes one full cycle. Concurrent callers (the timer and a
// manual force trigger) are collapsed into a single flight keyed on the
// source name, so cycles never overlap.
func (e *Engine) RunCycle(ctx context.Context, actorID string) (CycleResult, error) {
	key := e.Config.Source.Name
	v, err, _ := e.cycles.Do(key, func() (any, error) {
		cctx := ctx
		if m := e.Config.Scheduler.CycleTimeoutMinutes; m > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, time.Duration(m)*time.Minute)
			defer cancel()
		}
		var res CycleResult
		var err error
		res.Sync, err = e.syncOnce(cctx, actorID)
		if err != nil {
			return res, err
		}
		res.Lifecycle, err = e.RecomputeLifecycle(cctx, actorID)
		return res, err
	})
	res, _ := v.(CycleResult)
	return res, err
}

// syncOnce pulls incidents modified since the stored cursor, upserts
// them, generates tasks for every successfully processed incident, and
// only then advances the cursor. Any fatal failure before the final
// commit leaves the cursor where it was; the next cycle retries the
// same window and converges because upserts and generation are
// idempotent.
func (e *Engine) syncOnce(ctx context.Context, actorID string) (SyncSummary, error) {
	var summary SyncSummary
	if e.Source == nil {
		return summary, fmt.Errorf("incident source not configured")
	}
	state, err := e.Repo.GetSyncState(ctx, e.Config.Source.Name)
	if err != nil && err != repo.ErrNotFound {
		return summary, err
	}
	cursor := state.Cursor

	records, err := e.Source.FetchSince(ctx, cursor, e.Config.Source.PageSize)
	if err != nil {
		return summary, fmt.Errorf("sync cycle: %w", err)
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	nextCursor := cursor
	var processed []domain.Incident

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return summary, err
	}
	defer tx.Rollback()
	for _, rec := range records {
		incident, err := e.normalizeRecord(rec, nowStr)
		if err != nil {
			// Malformed record: skip and flag for manual review, but
			// advance past it so one poison record cannot stall the
			// source window forever.
			summary.Skipped++
			raw, _ := json.Marshal(rec)
			if aerr := e.Events.Append(ctx, tx, "sync.record.skipped", "incident", rec.ExternalID, actorID, events.EventPayload{
				"error":  err.Error(),
				"record": string(raw),
			}); aerr != nil {
				return summary, aerr
			}
			if rec.ModifiedAt > nextCursor {
				nextCursor = rec.ModifiedAt
			}
			continue
		}
		stored, result, err := e.Repo.UpsertIncident(ctx, tx, incident)
		if err != nil {
			return summary, fmt.Errorf("upsert incident %s: %w", incident.ExternalID, err)
		}
		switch result {
		case repo.UpsertInserted:
			summary.Inserted++
		case repo.UpsertUpdated:
			summary.Updated++
		default:
			summary.Unchanged++
		}
		processed = append(processed, stored)
		if rec.ModifiedAt > nextCursor {
			nextCursor = rec.ModifiedAt
		}
	}
	if err := tx.Commit(); err != nil {
		return summary, err
	}

	// Generation runs for every processed incident, not just changed
	// ones, so a crash between upsert and cursor commit still converges
	// on replay. Batched incidents are independent; the unique key on
	// the task table serializes racing writers per visit.
	created, err := e.generateBatch(ctx, processed)
	summary.TasksCreated = created
	if err != nil {
		return summary, err
	}

	ftx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return summary, err
	}
	defer ftx.Rollback()
	if err := e.Repo.UpsertSyncState(ctx, ftx, domain.SyncState{
		Source:       e.Config.Source.Name,
		Cursor:       nextCursor,
		LastSyncedAt: nowStr,
	}); err != nil {
		return summary, err
	}
	if err := e.Events.Append(ctx, ftx, "sync.cycle.completed", "sync", e.Config.Source.Name, actorID, events.EventPayload{
		"inserted":      summary.Inserted,
		"updated":       summary.Updated,
		"unchanged":     summary.Unchanged,
		"skipped":       summary.Skipped,
		"tasks_created": summary.TasksCreated,
		"cursor":        nextCursor,
	}); err != nil {
		return summary, err
	}
	if err := ftx.Commit(); err != nil {
		return summary, err
	}
	summary.Cursor = nextCursor
	return summary, nil
}

func (e *Engine) generateBatch(ctx context.Context, incidents []domain.Incident) (int, error) {
	if len(incidents) == 0 {
		return 0, nil
	}
	snapshot, err := e.Policies.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	workers := e.Config.Scheduler.GenerateWorkers
	if workers <= 0 {
		workers = 4
	}
	var created atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, incident := range incidents {
		if incident.Status == domain.IncidentClosed {
			continue
		}
		g.Go(func() error {
			tasks, err := e.generateWithSnapshot(gctx, snapshot, incident)
			if err != nil {
				return fmt.Errorf("generate tasks for %s: %w", incident.ExternalID, err)
			}
			created.Add(int64(len(tasks)))
			return nil
		})
	}
	err = g.Wait()
	return int(created.Load()), err
}

// normalizeRecord turns a raw source row into a storable incident.
// Structural problems are transform errors (the record is skipped and
// flagged); a missing severity is not an error, it is normalized to the
// Unknown sentinel because the column and downstream reporting assume a
// value.
func (e *Engine) normalizeRecord(rec source.Record, nowStr string) (domain.Incident, error) {
	if rec.ExternalID == "" {
		return domain.Incident{}, fmt.Errorf("record missing external_id")
	}
	if rec.ResidentID == "" {
		return domain.Incident{}, fmt.Errorf("record missing resident_id")
	}
	if rec.Type == "" {
		return domain.Incident{}, fmt.Errorf("record missing incident_type")
	}
	occurred, err := time.Parse(time.RFC3339, rec.OccurredAt)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("record occurred_at %q: %w", rec.OccurredAt, err)
	}
	severity := rec.Severity
	if severity == "" {
		severity = domain.SeverityUnknown
	}
	status := domain.IncidentOpen
	switch rec.Status {
	case domain.IncidentOpen, domain.IncidentClosed, domain.IncidentOverdue:
		status = rec.Status
	case "":
		status = domain.IncidentOpen
	default:
		status = domain.IncidentUnknown
	}
	return domain.Incident{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("incident|"+rec.ExternalID)).String(),
		ExternalID:  rec.ExternalID,
		ResidentID:  rec.ResidentID,
		Type:        rec.Type,
		SubType:     rec.SubType,
		Severity:    severity,
		Status:      status,
		OccurredAt:  occurred.UTC().Format(time.RFC3339),
		Description: rec.Description,
		Location:    rec.Location,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}, nil
}
