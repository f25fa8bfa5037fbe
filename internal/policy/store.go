package policy

import (
	"context"
	"sort"

	"carerounds/internal/domain"
	"carerounds/internal/repo"
)

// Store serves read-only policy snapshots. A generation pass holds one
// snapshot for its whole run, so a policy edited mid-cycle cannot
// retroactively alter tasks computed in that cycle.
type Store struct {
	Repo repo.Repo
}

// Snapshot is an immutable view of the active policies at load time.
type Snapshot struct {
	policies []domain.Policy
}

func (s Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	active, err := s.Repo.ListPolicies(ctx, true)
	if err != nil {
		return nil, err
	}
	return &Snapshot{policies: active}, nil
}

// FindActive returns the best policy for an incident, or ok=false when
// none matches (a valid outcome: the incident needs no tasks). A policy
// whose trigger names both the incident type and the discriminator
// outranks a type-only policy; ties break to the highest version.
func (sn *Snapshot) FindActive(incidentType, discriminator string) (domain.Policy, bool) {
	var best domain.Policy
	bestRank := -1
	for _, p := range sn.policies {
		rank := matchRank(p, incidentType, discriminator)
		if rank < 0 {
			continue
		}
		if rank > bestRank || (rank == bestRank && p.Version > best.Version) {
			best = p
			bestRank = rank
		}
	}
	return best, bestRank >= 0
}

// Policies returns the snapshot contents ordered by code then version.
func (sn *Snapshot) Policies() []domain.Policy {
	out := make([]domain.Policy, len(sn.policies))
	copy(out, sn.policies)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Version > out[j].Version
	})
	return out
}

func matchRank(p domain.Policy, incidentType, discriminator string) int {
	if p.IncidentType != incidentType {
		return -1
	}
	if p.Discriminator == "" {
		return 0
	}
	if p.Discriminator == discriminator {
		return 1
	}
	return -1
}
