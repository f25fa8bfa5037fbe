package server

import (
	"encoding/base64"
	"fmt"
	"strings"

	"carerounds/internal/domain"
	"carerounds/internal/engine"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type paginatedIncidents struct {
	Items      []domain.Incident `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// StatusResponse summarizes one facility's operational state.
type StatusResponse struct {
	FacilityID     string            `json:"facility_id"`
	SchemaVersion  int               `json:"schema_version"`
	TaskCounts     map[string]int    `json:"task_counts"`
	Sync           *domain.SyncState `json:"sync,omitempty"`
	ActivePolicies int               `json:"active_policies"`
}

type PolicyImportResponse struct {
	Imported  int `json:"imported"`
	Replaced  int `json:"replaced"`
	Unchanged int `json:"unchanged"`
}

type CompleteTaskRequest struct {
	Note string `json:"note,omitempty"`
}

type GenerateResponse struct {
	TasksCreated int           `json:"tasks_created"`
	Tasks        []domain.Task `json:"tasks"`
}

func policyImportResponse(s engine.PolicyImportSummary) PolicyImportResponse {
	return PolicyImportResponse{Imported: s.Imported, Replaced: s.Replaced, Unchanged: s.Unchanged}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// Opaque composite cursor: base64("<sort-key>|<id>").
func composeCursor(sortKey, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sortKey + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
