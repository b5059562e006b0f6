package reconcile

import (
	"context"
	"log"
	"time"

	"platyfend/internal"
	"platyfend/pkg/apperror"
	"platyfend/pkg/provider"
	"platyfend/pkg/storage"
)

// RepoError records a failed mutation for one repository during a sync.
type RepoError struct {
	RepoID string
	Op     string
	Err    error
}

// Result reports the outcome of one full sync. Success is true only when the
// error list is empty; callers must inspect Errors to know whether the store
// fully matches the provider.
type Result struct {
	Provider       string
	InstallationID string
	Added          int
	Updated        int
	Removed        int
	Errors         []RepoError
	Success        bool
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Reconciler diffs the provider's repository list against the stored set and
// applies the minimal additions, updates, and removals.
type Reconciler struct {
	store     storage.Store
	providers *provider.Factory
	logger    *log.Logger
}

// New creates a Reconciler.
func New(store storage.Store, providers *provider.Factory, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{store: store, providers: providers, logger: logger}
}

// Reconcile runs a full sync for one installation. It fails fast with a
// classified error when the installation is missing or not active; every
// per-repository failure after that is collected in the result instead of
// aborting the remaining mutations.
func (r *Reconciler) Reconcile(ctx context.Context, providerName, installationID string) (*Result, error) {
	inst, err := r.store.GetInstallation(ctx, providerName, installationID)
	if err != nil {
		return nil, apperror.Classify(err)
	}
	if inst.Status != storage.StatusActive {
		return nil, apperror.InstallationNotActive(installationID, string(inst.Status))
	}
	return r.reconcile(ctx, inst)
}

// ActivateInstallation is the creation-callback path: it runs the first full
// sync for a pending installation and promotes it to active when the sync
// completes cleanly.
func (r *Reconciler) ActivateInstallation(ctx context.Context, providerName, installationID string) (*Result, error) {
	inst, err := r.store.GetInstallation(ctx, providerName, installationID)
	if err != nil {
		return nil, apperror.Classify(err)
	}
	switch inst.Status {
	case storage.StatusPending, storage.StatusActive:
	default:
		return nil, apperror.InstallationNotActive(installationID, string(inst.Status))
	}

	result, err := r.reconcile(ctx, inst)
	if err != nil {
		return nil, err
	}
	if result.Success && inst.Status == storage.StatusPending {
		if err := r.store.UpdateStatus(ctx, providerName, installationID, storage.StatusActive); err != nil {
			return result, apperror.Classify(err)
		}
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, inst *storage.Installation) (*Result, error) {
	internal.IncSyncRun(inst.Provider)
	result := &Result{
		Provider:       inst.Provider,
		InstallationID: inst.InstallationID,
		StartedAt:      time.Now().UTC(),
	}

	client, err := r.providers.Client(inst.Provider)
	if err != nil {
		return nil, apperror.Sync("no client for provider "+inst.Provider, err)
	}
	remote, err := client.ListInstallationRepositories(ctx, inst.InstallationID)
	if err != nil {
		return nil, apperror.Classify(err)
	}

	// Last occurrence wins when the provider reports a repo twice.
	remoteByID := make(map[string]provider.Repository, len(remote))
	order := make([]string, 0, len(remote))
	for _, repo := range remote {
		if _, seen := remoteByID[repo.RepoID]; !seen {
			order = append(order, repo.RepoID)
		}
		remoteByID[repo.RepoID] = repo
	}

	localByID := make(map[string]storage.Repository, len(inst.Repos))
	for _, repo := range inst.Repos {
		localByID[repo.RepoID] = repo
	}

	// Removals first, then additions, then updates. Each mutation stands
	// alone: one failure never aborts the rest.
	for _, repo := range inst.Repos {
		if _, stillRemote := remoteByID[repo.RepoID]; stillRemote {
			continue
		}
		if err := r.store.RemoveRepository(ctx, inst.Provider, inst.InstallationID, repo.RepoID); err != nil {
			result.Errors = append(result.Errors, RepoError{RepoID: repo.RepoID, Op: "remove", Err: apperror.Classify(err)})
			continue
		}
		result.Removed++
	}

	for _, repoID := range order {
		if _, known := localByID[repoID]; known {
			continue
		}
		if err := r.store.UpsertRepository(ctx, inst.Provider, inst.InstallationID, toStorageRepo(remoteByID[repoID])); err != nil {
			result.Errors = append(result.Errors, RepoError{RepoID: repoID, Op: "add", Err: apperror.Classify(err)})
			continue
		}
		result.Added++
	}

	for _, repoID := range order {
		if _, known := localByID[repoID]; !known {
			continue
		}
		if err := r.store.UpsertRepository(ctx, inst.Provider, inst.InstallationID, toStorageRepo(remoteByID[repoID])); err != nil {
			result.Errors = append(result.Errors, RepoError{RepoID: repoID, Op: "update", Err: apperror.Classify(err)})
			continue
		}
		result.Updated++
	}

	if err := r.store.RecomputeCounters(ctx, inst.Provider, inst.InstallationID); err != nil {
		result.Errors = append(result.Errors, RepoError{Op: "recount", Err: apperror.Classify(err)})
	}

	result.FinishedAt = time.Now().UTC()
	result.Success = len(result.Errors) == 0
	if !result.Success {
		internal.IncSyncError(inst.Provider)
		r.logger.Printf("reconcile %s/%s finished with %d errors (added=%d updated=%d removed=%d)",
			inst.Provider, inst.InstallationID, len(result.Errors), result.Added, result.Updated, result.Removed)
	}
	return result, nil
}

func toStorageRepo(repo provider.Repository) storage.Repository {
	return storage.Repository{
		RepoID:        repo.RepoID,
		Name:          repo.Name,
		FullName:      repo.FullName,
		Private:       repo.Private,
		Language:      repo.Language,
		Stars:         repo.Stars,
		Forks:         repo.Forks,
		DefaultBranch: repo.DefaultBranch,
		HTMLURL:       repo.HTMLURL,
	}
}
