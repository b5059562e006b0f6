package webhook

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"

	"platyfend/pkg/apperror"
	"platyfend/pkg/storage"
)

// Result reports the outcome of routing one webhook event. Unknown event
// types are successful no-ops: the webhook acknowledgment must never fail on
// an event we do not understand.
type Result struct {
	Success              bool
	Event                string
	Action               string
	RepositoriesAffected int
	Errors               []error
}

// Router classifies provider events by type and action and applies a small,
// targeted reconciliation against the store. Every handler is idempotent:
// replaying a delivery leaves the same final state. No ordering is assumed
// against a concurrently running full sync; both converge because each
// mutation is keyed by repo_id.
type Router struct {
	store  storage.Store
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRouter creates a Router over a store.
func NewRouter(store storage.Store, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

type repoPayload struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	Language      string `json:"language"`
	Stars         int    `json:"stargazers_count"`
	Forks         int    `json:"forks_count"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
}

type installationEvent struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	RepositoriesAdded   []repoPayload `json:"repositories_added"`
	RepositoriesRemoved []repoPayload `json:"repositories_removed"`
}

type repositoryEvent struct {
	Action     string      `json:"action"`
	Repository repoPayload `json:"repository"`
}

// Handle routes one event. The caller must have verified the delivery
// signature before invoking it.
func (r *Router) Handle(ctx context.Context, providerName, eventType string, payload []byte) *Result {
	result := &Result{Event: eventType}

	switch eventType {
	case "installation", "integration_installation":
		r.handleInstallation(ctx, providerName, payload, result)
	case "installation_repositories", "integration_installation_repositories":
		r.handleInstallationRepositories(ctx, providerName, payload, result)
	case "repository":
		r.handleRepository(ctx, providerName, payload, result)
	default:
		// Unknown event types are acknowledged, not failed.
		result.Success = true
		return result
	}

	result.Success = len(result.Errors) == 0
	return result
}

func (r *Router) handleInstallation(ctx context.Context, providerName string, payload []byte, result *Result) {
	var event installationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		result.Errors = append(result.Errors, apperror.WebhookProcessing("malformed installation payload", err))
		return
	}
	result.Action = event.Action
	if event.Installation.ID == 0 {
		result.Errors = append(result.Errors, apperror.WebhookProcessing("installation id missing from payload", nil))
		return
	}
	installationID := strconv.FormatInt(event.Installation.ID, 10)

	var target storage.Status
	switch event.Action {
	case "created":
		// The out-of-band creation callback runs the first full reconcile.
		return
	case "deleted":
		target = storage.StatusDeleted
	case "suspend":
		target = storage.StatusSuspended
	case "unsuspend":
		target = storage.StatusActive
	default:
		return
	}

	unlock := r.lockInstallation(providerName, installationID)
	defer unlock()

	if err := r.store.UpdateStatus(ctx, providerName, installationID, target); err != nil {
		result.Errors = append(result.Errors, apperror.Classify(err))
	}
}

func (r *Router) handleInstallationRepositories(ctx context.Context, providerName string, payload []byte, result *Result) {
	var event installationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		result.Errors = append(result.Errors, apperror.WebhookProcessing("malformed installation_repositories payload", err))
		return
	}
	result.Action = event.Action
	if event.Installation.ID == 0 {
		result.Errors = append(result.Errors, apperror.WebhookProcessing("installation id missing from payload", nil))
		return
	}
	installationID := strconv.FormatInt(event.Installation.ID, 10)

	unlock := r.lockInstallation(providerName, installationID)
	defer unlock()

	inst, err := r.store.GetInstallation(ctx, providerName, installationID)
	if err != nil {
		result.Errors = append(result.Errors, apperror.Classify(err))
		return
	}
	if inst.Status == storage.StatusDeleted {
		result.Errors = append(result.Errors, apperror.InstallationNotActive(installationID, string(inst.Status)))
		return
	}

	switch event.Action {
	case "added":
		if inst.Status != storage.StatusActive {
			result.Errors = append(result.Errors, apperror.InstallationNotActive(installationID, string(inst.Status)))
			return
		}
		for _, repo := range event.RepositoriesAdded {
			if err := r.store.UpsertRepository(ctx, providerName, installationID, toStorageRepo(repo)); err != nil {
				result.Errors = append(result.Errors, apperror.Classify(err))
				continue
			}
			result.RepositoriesAffected++
		}
	case "removed":
		for _, repo := range event.RepositoriesRemoved {
			repoID := strconv.FormatInt(repo.ID, 10)
			if err := r.store.RemoveRepository(ctx, providerName, installationID, repoID); err != nil {
				result.Errors = append(result.Errors, apperror.Classify(err))
				continue
			}
			result.RepositoriesAffected++
		}
	}
}

// handleRepository fans a repository-level event out to every installation
// currently holding the repo; the event carries no installation id. More than
// one holder is a transient state during transfers and is tolerated.
func (r *Router) handleRepository(ctx context.Context, providerName string, payload []byte, result *Result) {
	var event repositoryEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		result.Errors = append(result.Errors, apperror.WebhookProcessing("malformed repository payload", err))
		return
	}
	result.Action = event.Action
	if event.Repository.ID == 0 {
		result.Errors = append(result.Errors, apperror.WebhookProcessing("repository id missing from payload", nil))
		return
	}
	repoID := strconv.FormatInt(event.Repository.ID, 10)

	var patch storage.RepositoryPatch
	remove := false
	switch event.Action {
	case "renamed", "transferred":
		patch.Name = &event.Repository.Name
		patch.FullName = &event.Repository.FullName
	case "privatized":
		private := true
		patch.Private = &private
	case "publicized":
		private := false
		patch.Private = &private
	case "edited":
		if event.Repository.DefaultBranch != "" {
			patch.DefaultBranch = &event.Repository.DefaultBranch
		} else {
			return
		}
	case "deleted":
		remove = true
	default:
		return
	}

	holders, err := r.store.ListInstallationsByRepo(ctx, providerName, repoID)
	if err != nil {
		result.Errors = append(result.Errors, apperror.Classify(err))
		return
	}
	for _, inst := range holders {
		if remove {
			if err := r.store.RemoveRepository(ctx, providerName, inst.InstallationID, repoID); err != nil {
				result.Errors = append(result.Errors, apperror.Classify(err))
				continue
			}
		} else {
			if err := r.store.PatchRepository(ctx, providerName, inst.InstallationID, repoID, patch); err != nil {
				result.Errors = append(result.Errors, apperror.Classify(err))
				continue
			}
		}
		result.RepositoriesAffected++
	}
}

// lockInstallation serializes status mutations for one installation so two
// concurrent deliveries cannot interleave a state read with the other's write.
func (r *Router) lockInstallation(providerName, installationID string) func() {
	key := providerName + "/" + installationID
	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func toStorageRepo(repo repoPayload) storage.Repository {
	return storage.Repository{
		RepoID:        strconv.FormatInt(repo.ID, 10),
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
