package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"platyfend/pkg/apperror"
	"platyfend/pkg/provider"
	"platyfend/pkg/storage"
)

type fakeClient struct {
	repos   []provider.Repository
	listErr error
}

func (c *fakeClient) GetInstallation(ctx context.Context, installationID string) (*provider.Installation, error) {
	return &provider.Installation{InstallationID: installationID}, nil
}

func (c *fakeClient) ListInstallationRepositories(ctx context.Context, installationID string) ([]provider.Repository, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.repos, nil
}

func (c *fakeClient) GetRepository(ctx context.Context, installationID, repoID string) (*provider.Repository, error) {
	for _, repo := range c.repos {
		if repo.RepoID == repoID {
			return &repo, nil
		}
	}
	return nil, apperror.NotFound("repository", nil)
}

func (c *fakeClient) GetRateLimitStatus(ctx context.Context) (*provider.RateLimitStatus, error) {
	return &provider.RateLimitStatus{}, nil
}

// failingStore injects one failure for a specific repo mutation.
type failingStore struct {
	storage.Store
	failRepoID string
}

func (s *failingStore) UpsertRepository(ctx context.Context, providerName, installationID string, repo storage.Repository) error {
	if repo.RepoID == s.failRepoID {
		return apperror.StoreConnectivity(errors.New("injected failure"))
	}
	return s.Store.UpsertRepository(ctx, providerName, installationID, repo)
}

func setup(t *testing.T, client provider.Client, status storage.Status, repos ...storage.Repository) (*Reconciler, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	inst := &storage.Installation{
		Provider:       "github",
		InstallationID: "7",
		OwnerID:        "user-1",
		Status:         status,
		Repos:          repos,
	}
	if err := store.CreateInstallation(context.Background(), inst); err != nil {
		t.Fatalf("create installation: %v", err)
	}
	factory := provider.NewFactory()
	factory.Register("github", client)
	return New(store, factory, nil), store
}

func TestReconcileAddUpdateRemove(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{repos: []provider.Repository{
		{RepoID: "B", Name: "bravo"},
		{RepoID: "C", Name: "charlie"},
	}}
	r, store := setup(t, client, storage.StatusActive,
		storage.Repository{RepoID: "A", Name: "alpha"},
		storage.Repository{RepoID: "B", Name: "bravo"},
	)

	before, _ := store.GetInstallation(ctx, "github", "7")
	bBefore, _ := before.FindRepo("B")
	bAdded := bBefore.AddedAt

	result, err := r.Reconcile(ctx, "github", "7")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !result.Success || len(result.Errors) != 0 {
		t.Fatalf("expected clean sync, got %+v", result)
	}
	if result.Added != 1 || result.Removed != 1 || result.Updated != 1 {
		t.Fatalf("expected added=1 removed=1 updated=1, got %+v", result)
	}

	after, _ := store.GetInstallation(ctx, "github", "7")
	if after.TotalRepos != 2 {
		t.Fatalf("expected 2 repos, got %d", after.TotalRepos)
	}
	if _, gone := after.FindRepo("A"); gone {
		t.Fatalf("A should be removed")
	}
	b, _ := after.FindRepo("B")
	if !b.AddedAt.Equal(bAdded) {
		t.Fatalf("B.AddedAt must survive the sync")
	}
	if !b.LastSyncAt.After(bAdded) && !b.LastSyncAt.Equal(bAdded) {
		t.Fatalf("B.LastSyncAt must advance")
	}
	c, ok := after.FindRepo("C")
	if !ok || c.AddedAt.IsZero() {
		t.Fatalf("C must exist with AddedAt set")
	}
}

func TestReconcileConvergence(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{repos: []provider.Repository{{RepoID: "1"}, {RepoID: "2"}}}
	r, store := setup(t, client, storage.StatusActive)

	if _, err := r.Reconcile(ctx, "github", "7"); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	result, err := r.Reconcile(ctx, "github", "7")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if result.Added != 0 || result.Removed != 0 || result.Updated != 2 {
		t.Fatalf("second run must only refresh, got %+v", result)
	}
	inst, _ := store.GetInstallation(ctx, "github", "7")
	if inst.TotalRepos != 2 {
		t.Fatalf("membership changed on convergent run")
	}
}

func TestReconcilePartialFailure(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{repos: []provider.Repository{
		{RepoID: "1"}, {RepoID: "2"}, {RepoID: "3"},
	}}
	r, store := setup(t, client, storage.StatusActive)
	r.store = &failingStore{Store: store, failRepoID: "2"}

	result, err := r.Reconcile(ctx, "github", "7")
	if err != nil {
		t.Fatalf("reconcile must not hard-fail on one repo: %v", err)
	}
	if result.Success {
		t.Fatalf("result cannot be successful with errors")
	}
	if len(result.Errors) != 1 || result.Errors[0].RepoID != "2" {
		t.Fatalf("expected exactly one error for repo 2, got %+v", result.Errors)
	}
	if result.Added != 2 {
		t.Fatalf("the other mutations must land, got added=%d", result.Added)
	}

	inst, _ := store.GetInstallation(ctx, "github", "7")
	if inst.TotalRepos != 2 {
		t.Fatalf("expected 2 stored repos, got %d", inst.TotalRepos)
	}
}

func TestReconcileRequiresActive(t *testing.T) {
	client := &fakeClient{}
	for _, status := range []storage.Status{storage.StatusPending, storage.StatusSuspended} {
		r, _ := setup(t, client, status)
		_, err := r.Reconcile(context.Background(), "github", "7")
		if err == nil {
			t.Fatalf("status %s must fail fast", status)
		}
		if apperror.IsRetryable(err) {
			t.Fatalf("inactive installation errors are not retryable")
		}
	}
}

func TestReconcileMissingInstallation(t *testing.T) {
	client := &fakeClient{}
	r, _ := setup(t, client, storage.StatusActive)
	_, err := r.Reconcile(context.Background(), "github", "unknown")
	if err == nil {
		t.Fatalf("missing installation must fail fast")
	}
}

func TestReconcileDuplicateRepoIDsLastWins(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{repos: []provider.Repository{
		{RepoID: "1", Name: "stale"},
		{RepoID: "1", Name: "fresh"},
	}}
	r, store := setup(t, client, storage.StatusActive)

	result, err := r.Reconcile(ctx, "github", "7")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Added != 1 {
		t.Fatalf("duplicate ids must collapse to one add, got %d", result.Added)
	}
	inst, _ := store.GetInstallation(ctx, "github", "7")
	repo, _ := inst.FindRepo("1")
	if repo.Name != "fresh" {
		t.Fatalf("last occurrence must win, got %q", repo.Name)
	}
}

func TestReconcileEmptyProviderList(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	r, store := setup(t, client, storage.StatusActive,
		storage.Repository{RepoID: "1", AddedAt: time.Now(), LastSyncAt: time.Now()},
		storage.Repository{RepoID: "2", AddedAt: time.Now(), LastSyncAt: time.Now()},
	)

	result, err := r.Reconcile(ctx, "github", "7")
	if err != nil {
		t.Fatalf("empty provider list is legitimate: %v", err)
	}
	if result.Removed != 2 {
		t.Fatalf("expected everything removed, got %d", result.Removed)
	}
	inst, _ := store.GetInstallation(ctx, "github", "7")
	if inst.TotalRepos != 0 {
		t.Fatalf("expected empty set, got %d", inst.TotalRepos)
	}
}

func TestActivateInstallationPromotesPending(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{repos: []provider.Repository{{RepoID: "1"}}}
	r, store := setup(t, client, storage.StatusPending)

	result, err := r.ActivateInstallation(ctx, "github", "7")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected clean first sync")
	}
	inst, _ := store.GetInstallation(ctx, "github", "7")
	if inst.Status != storage.StatusActive {
		t.Fatalf("expected active after first sync, got %s", inst.Status)
	}
}

func TestActivateInstallationRejectsDeleted(t *testing.T) {
	client := &fakeClient{}
	r, store := setup(t, client, storage.StatusActive)
	if err := store.UpdateStatus(context.Background(), "github", "7", storage.StatusDeleted); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.ActivateInstallation(context.Background(), "github", "7"); err == nil {
		t.Fatalf("deleted installation must fail fast")
	}
}
