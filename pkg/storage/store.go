package storage

import (
	"context"
	"fmt"
	"time"

	"platyfend/pkg/apperror"
)

// Status is the installation lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// ValidTransition reports whether an installation may move between states.
// Pending activates once; active and suspended cycle; deleted is terminal.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusDeleted
	case StatusActive:
		return to == StatusSuspended || to == StatusDeleted
	case StatusSuspended:
		return to == StatusActive || to == StatusDeleted
	case StatusDeleted:
		return false
	default:
		return false
	}
}

// Transition validates a state change and returns a classified error when the
// state machine forbids it.
func Transition(from, to Status) error {
	if !ValidTransition(from, to) {
		return apperror.StoreValidation(
			fmt.Sprintf("invalid installation status transition %s -> %s", from, to), nil)
	}
	return nil
}

// Repository is one repository visible to an installation. AddedAt is set
// once on creation; LastSyncAt advances on every touch, including no-op syncs.
type Repository struct {
	RepoID        string
	Name          string
	FullName      string
	Private       bool
	Language      string
	Stars         int
	Forks         int
	DefaultBranch string
	HTMLURL       string
	AddedAt       time.Time
	LastSyncAt    time.Time
}

// Installation is one user's connection to a provider account. The counters
// are derived from Repos and never set independently.
type Installation struct {
	Provider       string
	InstallationID string
	OwnerID        string
	AccountID      string
	AccountName    string
	AccountType    string
	Status         Status
	Permissions    map[string]string
	TotalRepos     int
	PublicRepos    int
	PrivateRepos   int
	Repos          []Repository
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SuspendedAt    *time.Time
	DeletedAt      *time.Time
}

// UpsertRepo adds a repository to the installation's set or refreshes the
// existing record, keyed by RepoID. AddedAt is preserved for known repos;
// LastSyncAt always advances. Counters are recomputed.
func (inst *Installation) UpsertRepo(repo Repository) {
	now := time.Now().UTC()
	for i := range inst.Repos {
		if inst.Repos[i].RepoID == repo.RepoID {
			repo.AddedAt = inst.Repos[i].AddedAt
			repo.LastSyncAt = now
			inst.Repos[i] = repo
			inst.RecountRepos()
			return
		}
	}
	if repo.AddedAt.IsZero() {
		repo.AddedAt = now
	}
	repo.LastSyncAt = now
	inst.Repos = append(inst.Repos, repo)
	inst.RecountRepos()
}

// RemoveRepo deletes a repository from the set. Removing an absent repo is a
// no-op, which keeps replayed webhook events idempotent.
func (inst *Installation) RemoveRepo(repoID string) bool {
	for i := range inst.Repos {
		if inst.Repos[i].RepoID == repoID {
			inst.Repos = append(inst.Repos[:i], inst.Repos[i+1:]...)
			inst.RecountRepos()
			return true
		}
	}
	return false
}

// FindRepo returns the repository with the given RepoID, if present.
func (inst *Installation) FindRepo(repoID string) (*Repository, bool) {
	for i := range inst.Repos {
		if inst.Repos[i].RepoID == repoID {
			return &inst.Repos[i], true
		}
	}
	return nil, false
}

// RecountRepos recomputes the derived counters from the repository set.
func (inst *Installation) RecountRepos() {
	total, private := 0, 0
	for i := range inst.Repos {
		total++
		if inst.Repos[i].Private {
			private++
		}
	}
	inst.TotalRepos = total
	inst.PrivateRepos = private
	inst.PublicRepos = total - private
}

// Store persists installations and their repository sets. Installations are
// never hard-deleted; provider-side removal marks them deleted and keeps the
// row for audit history.
type Store interface {
	CreateInstallation(ctx context.Context, inst *Installation) error
	GetInstallation(ctx context.Context, provider, installationID string) (*Installation, error)
	ListInstallationsByOwner(ctx context.Context, ownerID string) ([]Installation, error)
	ListInstallationsByRepo(ctx context.Context, provider, repoID string) ([]Installation, error)
	UpdateStatus(ctx context.Context, provider, installationID string, status Status) error
	UpsertRepository(ctx context.Context, provider, installationID string, repo Repository) error
	RemoveRepository(ctx context.Context, provider, installationID, repoID string) error
	PatchRepository(ctx context.Context, provider, installationID, repoID string, patch RepositoryPatch) error
	RecomputeCounters(ctx context.Context, provider, installationID string) error
	Close() error
}

// RepositoryPatch is a partial repository update. Nil fields are untouched;
// AddedAt can never be patched.
type RepositoryPatch struct {
	Name          *string
	FullName      *string
	Private       *bool
	DefaultBranch *string
	HTMLURL       *string
}

// Apply overlays the patch onto a repository and advances LastSyncAt.
func (p RepositoryPatch) Apply(repo *Repository) {
	if p.Name != nil {
		repo.Name = *p.Name
	}
	if p.FullName != nil {
		repo.FullName = *p.FullName
	}
	if p.Private != nil {
		repo.Private = *p.Private
	}
	if p.DefaultBranch != nil {
		repo.DefaultBranch = *p.DefaultBranch
	}
	if p.HTMLURL != nil {
		repo.HTMLURL = *p.HTMLURL
	}
	repo.LastSyncAt = time.Now().UTC()
}
