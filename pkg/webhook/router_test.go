package webhook

import (
	"context"
	"testing"

	"platyfend/internal"
	"platyfend/pkg/storage"
)

func storeWithInstallation(t *testing.T, status storage.Status, repos ...storage.Repository) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	inst := &storage.Installation{
		Provider:       "github",
		InstallationID: "42",
		OwnerID:        "owner-1",
		AccountID:      "1001",
		AccountName:    "octo-org",
		AccountType:    "Organization",
		Status:         storage.StatusActive,
	}
	for _, repo := range repos {
		inst.UpsertRepo(repo)
	}
	if err := store.CreateInstallation(context.Background(), inst); err != nil {
		t.Fatalf("create installation: %v", err)
	}
	if status != storage.StatusActive {
		if err := store.UpdateStatus(context.Background(), "github", "42", status); err != nil {
			t.Fatalf("set status %s: %v", status, err)
		}
	}
	return store
}

func newTestRouter(store storage.Store) *Router {
	return NewRouter(store, internal.NewLogger("router-test"))
}

func TestRouterUnknownEventIsNoOp(t *testing.T) {
	router := newTestRouter(storage.NewMemoryStore())

	result := router.Handle(context.Background(), "github", "watch", []byte(`{"action":"started"}`))
	if !result.Success {
		t.Fatalf("expected unknown event to succeed, got errors %v", result.Errors)
	}
	if result.RepositoriesAffected != 0 {
		t.Fatalf("expected no repositories affected, got %d", result.RepositoriesAffected)
	}
}

func TestRouterUnknownActionIsNoOp(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive)
	router := newTestRouter(store)

	result := router.Handle(context.Background(), "github", "installation", []byte(`{"action":"new_permissions_accepted","installation":{"id":42}}`))
	if !result.Success {
		t.Fatalf("expected unknown action to succeed, got errors %v", result.Errors)
	}
}

func TestRouterInstallationDeleted(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive)
	router := newTestRouter(store)

	payload := []byte(`{"action":"deleted","installation":{"id":42}}`)
	result := router.Handle(context.Background(), "github", "installation", payload)
	if !result.Success {
		t.Fatalf("expected delete to succeed, got errors %v", result.Errors)
	}
	inst, err := store.GetInstallation(context.Background(), "github", "42")
	if err != nil {
		t.Fatalf("get installation: %v", err)
	}
	if inst.Status != storage.StatusDeleted {
		t.Fatalf("expected status deleted, got %s", inst.Status)
	}

	// Replays are idempotent.
	result = router.Handle(context.Background(), "github", "installation", payload)
	if !result.Success {
		t.Fatalf("expected replayed delete to succeed, got errors %v", result.Errors)
	}
}

func TestRouterSuspendAndUnsuspend(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive)
	router := newTestRouter(store)

	result := router.Handle(context.Background(), "github", "installation", []byte(`{"action":"suspend","installation":{"id":42}}`))
	if !result.Success {
		t.Fatalf("expected suspend to succeed, got errors %v", result.Errors)
	}
	inst, _ := store.GetInstallation(context.Background(), "github", "42")
	if inst.Status != storage.StatusSuspended {
		t.Fatalf("expected status suspended, got %s", inst.Status)
	}

	result = router.Handle(context.Background(), "github", "installation", []byte(`{"action":"unsuspend","installation":{"id":42}}`))
	if !result.Success {
		t.Fatalf("expected unsuspend to succeed, got errors %v", result.Errors)
	}
	inst, _ = store.GetInstallation(context.Background(), "github", "42")
	if inst.Status != storage.StatusActive {
		t.Fatalf("expected status active, got %s", inst.Status)
	}
}

func TestRouterSuspendDeletedInstallationFails(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusDeleted)
	router := newTestRouter(store)

	result := router.Handle(context.Background(), "github", "installation", []byte(`{"action":"suspend","installation":{"id":42}}`))
	if result.Success {
		t.Fatalf("expected suspend on deleted installation to fail")
	}
}

func TestRouterRepositoriesAdded(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive)
	router := newTestRouter(store)

	payload := []byte(`{
		"action": "added",
		"installation": {"id": 42},
		"repositories_added": [
			{"id": 7, "name": "api", "full_name": "octo-org/api", "private": true},
			{"id": 8, "name": "web", "full_name": "octo-org/web"}
		]
	}`)
	result := router.Handle(context.Background(), "github", "installation_repositories", payload)
	if !result.Success {
		t.Fatalf("expected add to succeed, got errors %v", result.Errors)
	}
	if result.RepositoriesAffected != 2 {
		t.Fatalf("expected 2 repositories affected, got %d", result.RepositoriesAffected)
	}
	inst, _ := store.GetInstallation(context.Background(), "github", "42")
	if inst.TotalRepos != 2 || inst.PrivateRepos != 1 || inst.PublicRepos != 1 {
		t.Fatalf("expected counters 2/1/1, got %d/%d/%d", inst.TotalRepos, inst.PrivateRepos, inst.PublicRepos)
	}

	// Replay converges to the same state.
	result = router.Handle(context.Background(), "github", "installation_repositories", payload)
	if !result.Success {
		t.Fatalf("expected replayed add to succeed, got errors %v", result.Errors)
	}
	inst, _ = store.GetInstallation(context.Background(), "github", "42")
	if inst.TotalRepos != 2 {
		t.Fatalf("expected 2 repos after replay, got %d", inst.TotalRepos)
	}
}

func TestRouterRepositoriesAddedRequiresActive(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusSuspended)
	router := newTestRouter(store)

	payload := []byte(`{"action":"added","installation":{"id":42},"repositories_added":[{"id":7,"name":"api"}]}`)
	result := router.Handle(context.Background(), "github", "installation_repositories", payload)
	if result.Success {
		t.Fatalf("expected add on suspended installation to fail")
	}
}

func TestRouterRepositoriesRemoved(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive,
		storage.Repository{RepoID: "7", Name: "api", FullName: "octo-org/api"},
		storage.Repository{RepoID: "8", Name: "web", FullName: "octo-org/web"},
	)
	router := newTestRouter(store)

	payload := []byte(`{"action":"removed","installation":{"id":42},"repositories_removed":[{"id":7}]}`)
	result := router.Handle(context.Background(), "github", "installation_repositories", payload)
	if !result.Success {
		t.Fatalf("expected remove to succeed, got errors %v", result.Errors)
	}
	inst, _ := store.GetInstallation(context.Background(), "github", "42")
	if inst.TotalRepos != 1 {
		t.Fatalf("expected 1 repo left, got %d", inst.TotalRepos)
	}
	if _, found := inst.FindRepo("7"); found {
		t.Fatalf("expected repo 7 removed")
	}

	// Removing an already absent repo is a no-op.
	result = router.Handle(context.Background(), "github", "installation_repositories", payload)
	if !result.Success {
		t.Fatalf("expected replayed remove to succeed, got errors %v", result.Errors)
	}
}

func TestRouterMissingInstallationFails(t *testing.T) {
	router := newTestRouter(storage.NewMemoryStore())

	payload := []byte(`{"action":"added","installation":{"id":42},"repositories_added":[{"id":7,"name":"api"}]}`)
	result := router.Handle(context.Background(), "github", "installation_repositories", payload)
	if result.Success {
		t.Fatalf("expected routing against a missing installation to fail")
	}
}

func TestRouterRepositoryRenamedFansOut(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive,
		storage.Repository{RepoID: "7", Name: "api", FullName: "octo-org/api"},
	)
	router := newTestRouter(store)

	payload := []byte(`{"action":"renamed","repository":{"id":7,"name":"api-v2","full_name":"octo-org/api-v2"}}`)
	result := router.Handle(context.Background(), "github", "repository", payload)
	if !result.Success {
		t.Fatalf("expected rename to succeed, got errors %v", result.Errors)
	}
	if result.RepositoriesAffected != 1 {
		t.Fatalf("expected 1 repository affected, got %d", result.RepositoriesAffected)
	}
	inst, _ := store.GetInstallation(context.Background(), "github", "42")
	repo, found := inst.FindRepo("7")
	if !found || repo.Name != "api-v2" || repo.FullName != "octo-org/api-v2" {
		t.Fatalf("expected renamed repo, got %+v", repo)
	}
}

func TestRouterRepositoryPrivatized(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive,
		storage.Repository{RepoID: "7", Name: "api", FullName: "octo-org/api"},
	)
	router := newTestRouter(store)

	result := router.Handle(context.Background(), "github", "repository", []byte(`{"action":"privatized","repository":{"id":7,"name":"api","private":true}}`))
	if !result.Success {
		t.Fatalf("expected privatize to succeed, got errors %v", result.Errors)
	}
	inst, _ := store.GetInstallation(context.Background(), "github", "42")
	repo, found := inst.FindRepo("7")
	if !found || !repo.Private {
		t.Fatalf("expected repo to be private, got %+v", repo)
	}
	if inst.PrivateRepos != 1 || inst.PublicRepos != 0 {
		t.Fatalf("expected counters to follow visibility, got private=%d public=%d", inst.PrivateRepos, inst.PublicRepos)
	}
}

func TestRouterRepositoryDeletedRemovesFromAllHolders(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive,
		storage.Repository{RepoID: "7", Name: "api", FullName: "octo-org/api"},
	)
	second := &storage.Installation{
		Provider:       "github",
		InstallationID: "43",
		OwnerID:        "owner-2",
		AccountID:      "1002",
		AccountName:    "other-org",
		Status:         storage.StatusActive,
	}
	second.UpsertRepo(storage.Repository{RepoID: "7", Name: "api", FullName: "octo-org/api"})
	if err := store.CreateInstallation(context.Background(), second); err != nil {
		t.Fatalf("create second installation: %v", err)
	}
	router := newTestRouter(store)

	result := router.Handle(context.Background(), "github", "repository", []byte(`{"action":"deleted","repository":{"id":7}}`))
	if !result.Success {
		t.Fatalf("expected delete to succeed, got errors %v", result.Errors)
	}
	if result.RepositoriesAffected != 2 {
		t.Fatalf("expected 2 holders affected, got %d", result.RepositoriesAffected)
	}
	for _, id := range []string{"42", "43"} {
		inst, _ := store.GetInstallation(context.Background(), "github", id)
		if _, found := inst.FindRepo("7"); found {
			t.Fatalf("expected repo 7 removed from installation %s", id)
		}
	}
}

func TestRouterRepositoryEventNoHolders(t *testing.T) {
	router := newTestRouter(storage.NewMemoryStore())

	result := router.Handle(context.Background(), "github", "repository", []byte(`{"action":"renamed","repository":{"id":7,"name":"api"}}`))
	if !result.Success {
		t.Fatalf("expected rename with no holders to succeed, got errors %v", result.Errors)
	}
	if result.RepositoriesAffected != 0 {
		t.Fatalf("expected no repositories affected, got %d", result.RepositoriesAffected)
	}
}

func TestRouterMalformedPayloadFails(t *testing.T) {
	router := newTestRouter(storage.NewMemoryStore())

	result := router.Handle(context.Background(), "github", "installation", []byte(`{`))
	if result.Success {
		t.Fatalf("expected malformed payload to fail")
	}
}
