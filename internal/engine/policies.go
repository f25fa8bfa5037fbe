package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carerounds/internal/domain"
	"carerounds/internal/events"
	"carerounds/internal/repo"
)

// PolicyImportSummary reports one policy import.
type PolicyImportSummary struct {
	Imported  int `json:"imported"`
	Replaced  int `json:"replaced"`
	Unchanged int `json:"unchanged"`
}

// ImportPolicies writes validated policy definitions. A (code, version)
// already referenced by generated tasks is immutable: re-importing it
// unchanged is a no-op, re-importing it with different content is
// rejected and requires a version bump. Unreferenced policies may be
// replaced in place as an administrative correction.
func (e *Engine) ImportPolicies(ctx context.Context, policies []domain.Policy, actorID string) (PolicyImportSummary, error) {
	var summary PolicyImportSummary
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return summary, err
	}
	defer tx.Rollback()
	for _, p := range policies {
		// All reads go through the import transaction; a pool read here
		// would block on the write lock held after the first insert.
		existing, err := e.Repo.GetPolicyTx(ctx, tx, p.Code, p.Version)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return summary, err
		}
		if errors.Is(err, repo.ErrNotFound) {
			if err := e.Repo.InsertPolicy(ctx, tx, p); err != nil {
				return summary, fmt.Errorf("insert policy %s v%d: %w", p.Code, p.Version, err)
			}
			if err := e.Events.Append(ctx, tx, "policy.imported", "policy", p.ID, actorID, events.EventPayload{
				"code": p.Code, "version": p.Version,
			}); err != nil {
				return summary, err
			}
			summary.Imported++
			continue
		}
		if policyContentEqual(existing, p) {
			summary.Unchanged++
			continue
		}
		referenced, err := e.Repo.PolicyReferencedTx(ctx, tx, p.Code, p.Version)
		if err != nil {
			return summary, err
		}
		if referenced {
			return summary, fmt.Errorf("policy %s v%d already generated tasks and is immutable; import the change as version %d", p.Code, p.Version, p.Version+1)
		}
		if err := e.Repo.ReplacePolicy(ctx, tx, p); err != nil {
			return summary, fmt.Errorf("replace policy %s v%d: %w", p.Code, p.Version, err)
		}
		if err := e.Events.Append(ctx, tx, "policy.replaced", "policy", p.ID, actorID, events.EventPayload{
			"code": p.Code, "version": p.Version,
		}); err != nil {
			return summary, err
		}
		summary.Replaced++
	}
	return summary, tx.Commit()
}

func policyContentEqual(a, b domain.Policy) bool {
	ap, _ := json.Marshal(a.Phases)
	bp, _ := json.Marshal(b.Phases)
	return a.Name == b.Name &&
		a.IncidentType == b.IncidentType &&
		a.Discriminator == b.Discriminator &&
		a.Priority == b.Priority &&
		a.AssignedRole == b.AssignedRole &&
		a.DocumentationRequired == b.DocumentationRequired &&
		a.Active == b.Active &&
		string(ap) == string(bp)
}

// DeactivatePolicy retires every version of a policy code. Existing
// tasks keep their reference; the code just stops matching new
// incidents.
func (e *Engine) DeactivatePolicy(ctx context.Context, code, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeactivatePolicy(ctx, tx, code); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "policy.deactivated", "policy", code, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// SeedDefaultPolicies installs the default fall-response policies when
// the store is empty, mirroring what `cr policy import` would load.
func (e *Engine) SeedDefaultPolicies(ctx context.Context, actorID string, now time.Time) (PolicyImportSummary, error) {
	existing, err := e.Repo.ListPolicies(ctx, false)
	if err != nil {
		return PolicyImportSummary{}, err
	}
	if len(existing) > 0 {
		return PolicyImportSummary{}, nil
	}
	defaults, err := defaultPolicies(now)
	if err != nil {
		return PolicyImportSummary{}, err
	}
	return e.ImportPolicies(ctx, defaults, actorID)
}
