package storage

import (
	"context"
	"sync"
	"time"

	"platyfend/pkg/apperror"
)

// MemoryStore is a mutex-guarded in-memory Store, used in tests and as the
// dev-mode backend. It mirrors the persistence semantics of the GORM store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Installation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Installation)}
}

func key(provider, installationID string) string {
	return provider + "/" + installationID
}

// CreateInstallation inserts a new installation record.
func (s *MemoryStore) CreateInstallation(ctx context.Context, inst *Installation) error {
	if inst.Provider == "" || inst.InstallationID == "" {
		return apperror.StoreValidation("provider and installation id are required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(inst.Provider, inst.InstallationID)
	if _, exists := s.items[k]; exists {
		return apperror.StoreValidation("installation already exists", nil)
	}
	now := time.Now().UTC()
	cloned := cloneInstallation(inst)
	if cloned.Status == "" {
		cloned.Status = StatusPending
	}
	cloned.CreatedAt = now
	cloned.UpdatedAt = now
	cloned.RecountRepos()
	s.items[k] = cloned
	return nil
}

// GetInstallation fetches one installation or a classified not-found error.
func (s *MemoryStore) GetInstallation(ctx context.Context, provider, installationID string) (*Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.items[key(provider, installationID)]
	if !ok {
		return nil, apperror.InstallationNotFound(installationID)
	}
	return cloneInstallation(inst), nil
}

// ListInstallationsByOwner returns every installation owned by a user.
func (s *MemoryStore) ListInstallationsByOwner(ctx context.Context, ownerID string) ([]Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Installation, 0)
	for _, inst := range s.items {
		if inst.OwnerID == ownerID {
			out = append(out, *cloneInstallation(inst))
		}
	}
	return out, nil
}

// ListInstallationsByRepo returns every installation currently holding a repo.
func (s *MemoryStore) ListInstallationsByRepo(ctx context.Context, provider, repoID string) ([]Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Installation, 0)
	for _, inst := range s.items {
		if inst.Provider != provider {
			continue
		}
		if _, ok := inst.FindRepo(repoID); ok {
			out = append(out, *cloneInstallation(inst))
		}
	}
	return out, nil
}

// UpdateStatus applies a validated state machine transition.
func (s *MemoryStore) UpdateStatus(ctx context.Context, provider, installationID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[key(provider, installationID)]
	if !ok {
		return apperror.InstallationNotFound(installationID)
	}
	if err := Transition(inst.Status, status); err != nil {
		return err
	}
	now := time.Now().UTC()
	inst.Status = status
	inst.UpdatedAt = now
	switch status {
	case StatusSuspended:
		inst.SuspendedAt = &now
	case StatusDeleted:
		inst.DeletedAt = &now
	case StatusActive:
		inst.SuspendedAt = nil
	}
	return nil
}

// UpsertRepository adds or refreshes one repository and recomputes counters.
func (s *MemoryStore) UpsertRepository(ctx context.Context, provider, installationID string, repo Repository) error {
	if repo.RepoID == "" {
		return apperror.StoreValidation("repo id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[key(provider, installationID)]
	if !ok {
		return apperror.InstallationNotFound(installationID)
	}
	inst.UpsertRepo(repo)
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// RemoveRepository deletes one repository from the set.
func (s *MemoryStore) RemoveRepository(ctx context.Context, provider, installationID, repoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[key(provider, installationID)]
	if !ok {
		return apperror.InstallationNotFound(installationID)
	}
	inst.RemoveRepo(repoID)
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// PatchRepository applies a partial update to one repository.
func (s *MemoryStore) PatchRepository(ctx context.Context, provider, installationID, repoID string, patch RepositoryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[key(provider, installationID)]
	if !ok {
		return apperror.InstallationNotFound(installationID)
	}
	repo, found := inst.FindRepo(repoID)
	if !found {
		return apperror.StoreValidation("repository not found: "+repoID, nil)
	}
	patch.Apply(repo)
	inst.RecountRepos()
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// RecomputeCounters rebuilds the derived counters from the repository set.
func (s *MemoryStore) RecomputeCounters(ctx context.Context, provider, installationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[key(provider, installationID)]
	if !ok {
		return apperror.InstallationNotFound(installationID)
	}
	inst.RecountRepos()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneInstallation(inst *Installation) *Installation {
	cloned := *inst
	cloned.Repos = make([]Repository, len(inst.Repos))
	copy(cloned.Repos, inst.Repos)
	if inst.Permissions != nil {
		cloned.Permissions = make(map[string]string, len(inst.Permissions))
		for k, v := range inst.Permissions {
			cloned.Permissions[k] = v
		}
	}
	return &cloned
}
