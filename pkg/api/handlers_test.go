package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"platyfend/internal"
	"platyfend/pkg/apperror"
	"platyfend/pkg/provider"
	"platyfend/pkg/reconcile"
	"platyfend/pkg/recovery"
	"platyfend/pkg/storage"
)

type stubClient struct {
	repos  []provider.Repository
	getErr error
}

func (s *stubClient) GetInstallation(ctx context.Context, installationID string) (*provider.Installation, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &provider.Installation{InstallationID: installationID}, nil
}

func (s *stubClient) ListInstallationRepositories(ctx context.Context, installationID string) ([]provider.Repository, error) {
	return s.repos, nil
}

func (s *stubClient) GetRepository(ctx context.Context, installationID, repoID string) (*provider.Repository, error) {
	return nil, apperror.NotFound("repository", nil)
}

func (s *stubClient) GetRateLimitStatus(ctx context.Context) (*provider.RateLimitStatus, error) {
	return &provider.RateLimitStatus{Limit: 5000, Remaining: 4999}, nil
}

func apiHarness(t *testing.T, client provider.Client) (*storage.MemoryStore, *reconcile.Reconciler, *recovery.Orchestrator) {
	t.Helper()
	store := storage.NewMemoryStore()
	factory := provider.NewFactory()
	factory.Register("github", client)
	logger := internal.NewLogger("api-test")
	reconciler := reconcile.New(store, factory, logger)
	orch := recovery.NewOrchestrator(store, factory, reconciler, recovery.DefaultPolicy(), logger)
	return store, reconciler, orch
}

func seedActive(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	inst := &storage.Installation{
		Provider:       "github",
		InstallationID: "42",
		OwnerID:        "owner-1",
		AccountName:    "octo-org",
		Status:         storage.StatusActive,
	}
	if err := store.CreateInstallation(context.Background(), inst); err != nil {
		t.Fatalf("create installation: %v", err)
	}
}

func TestInstallationsHandlerRequiresOwner(t *testing.T) {
	store, _, _ := apiHarness(t, &stubClient{})
	handler := &InstallationsHandler{Store: store}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/installations", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner_id, got %d", rec.Code)
	}
}

func TestInstallationsHandlerListsByOwner(t *testing.T) {
	store, _, _ := apiHarness(t, &stubClient{})
	seedActive(t, store)
	handler := &InstallationsHandler{Store: store, Logger: internal.NewLogger("api-test")}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/installations?owner_id=owner-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []storage.Installation
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 1 || records[0].InstallationID != "42" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestSyncHandlerRunsReconcile(t *testing.T) {
	client := &stubClient{repos: []provider.Repository{{RepoID: "7", Name: "api", FullName: "octo-org/api"}}}
	store, reconciler, _ := apiHarness(t, client)
	seedActive(t, store)
	handler := &SyncHandler{Reconciler: reconciler, Logger: internal.NewLogger("api-test")}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/installations/sync?provider=github&installation_id=42", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result reconcile.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success || result.Added != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSyncHandlerRejectsGet(t *testing.T) {
	_, reconciler, _ := apiHarness(t, &stubClient{})
	handler := &SyncHandler{Reconciler: reconciler}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/installations/sync?provider=github&installation_id=42", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestSyncHandlerMissingInstallationIs404(t *testing.T) {
	_, reconciler, _ := apiHarness(t, &stubClient{})
	handler := &SyncHandler{Reconciler: reconciler, Logger: internal.NewLogger("api-test")}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/installations/sync?provider=github&installation_id=999", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown installation, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecoverAccessHandler(t *testing.T) {
	client := &stubClient{getErr: apperror.NotFound("installation", nil)}
	store, _, orch := apiHarness(t, client)
	seedActive(t, store)
	handler := &RecoverAccessHandler{Orchestrator: orch, Logger: internal.NewLogger("api-test")}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/installations/recover/access?provider=github&installation_id=42", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	inst, _ := store.GetInstallation(context.Background(), "github", "42")
	if inst.Status != storage.StatusDeleted {
		t.Fatalf("expected recovery to mark the installation deleted, got %s", inst.Status)
	}
}

func TestRecoverRateLimitHandler(t *testing.T) {
	_, _, orch := apiHarness(t, &stubClient{})
	handler := &RecoverRateLimitHandler{Orchestrator: orch, Logger: internal.NewLogger("api-test")}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/installations/recover/rate-limit?provider=github", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report recovery.RateLimitReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.Limited {
		t.Fatalf("expected healthy quota, got %+v", report)
	}
}

func TestHealthHandler(t *testing.T) {
	store, _, orch := apiHarness(t, &stubClient{})
	seedActive(t, store)
	handler := &HealthHandler{Orchestrator: orch, Logger: internal.NewLogger("api-test")}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/installations/health?owner_id=owner-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report recovery.HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy report, got %+v", report)
	}
}
