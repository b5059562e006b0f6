package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"platyfend/internal"
	"platyfend/pkg/storage"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []string
}

func (c *captureEnqueuer) EnqueueWebhookFailure(ctx context.Context, provider, installationID, event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, provider+"/"+installationID+"/"+event)
	return nil
}

func signSHA256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signSHA1(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestIngress(t *testing.T, store storage.Store, rules *internal.RuleEngine, recovery RecoveryEnqueuer) *GitHubIngress {
	t.Helper()
	router := NewRouter(store, internal.NewLogger("ingress-test"))
	ingress, err := NewGitHubIngress("topsecret", rules, router, recovery, internal.NewLogger("ingress-test"), 1<<20, false)
	if err != nil {
		t.Fatalf("new ingress: %v", err)
	}
	return ingress
}

func deliver(ingress *GitHubIngress, event string, body []byte, signer func(string, []byte) string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signer != nil {
		if sig := signer("topsecret", body); sig != "" {
			if len(sig) > 5 && sig[:5] == "sha1=" {
				req.Header.Set("X-Hub-Signature", sig)
			} else {
				req.Header.Set("X-Hub-Signature-256", sig)
			}
		}
	}
	rec := httptest.NewRecorder()
	ingress.ServeHTTP(rec, req)
	return rec
}

func TestIngressRequiresSecret(t *testing.T) {
	if _, err := NewGitHubIngress("", nil, nil, nil, nil, 0, false); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestIngressRejectsUnsignedDelivery(t *testing.T) {
	ingress := newTestIngress(t, storage.NewMemoryStore(), nil, nil)

	rec := deliver(ingress, "installation", []byte(`{"action":"deleted","installation":{"id":42}}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsigned delivery, got %d", rec.Code)
	}
}

func TestIngressRejectsBadSignature(t *testing.T) {
	ingress := newTestIngress(t, storage.NewMemoryStore(), nil, nil)

	body := []byte(`{"action":"deleted","installation":{"id":42}}`)
	rec := deliver(ingress, "installation", body, func(secret string, b []byte) string {
		return signSHA256("wrong-secret", b)
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rec.Code)
	}
}

func TestIngressRoutesSignedDelivery(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive)
	ingress := newTestIngress(t, store, nil, nil)

	rec := deliver(ingress, "installation", []byte(`{"action":"suspend","installation":{"id":42}}`), signSHA256)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	inst, err := store.GetInstallation(context.Background(), "github", "42")
	if err != nil {
		t.Fatalf("get installation: %v", err)
	}
	if inst.Status != storage.StatusSuspended {
		t.Fatalf("expected suspended after routed delivery, got %s", inst.Status)
	}
}

func TestIngressAcceptsLegacySHA1Signature(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive)
	ingress := newTestIngress(t, store, nil, nil)

	rec := deliver(ingress, "installation", []byte(`{"action":"suspend","installation":{"id":42}}`), signSHA1)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sha1-signed delivery, got %d", rec.Code)
	}
	inst, _ := store.GetInstallation(context.Background(), "github", "42")
	if inst.Status != storage.StatusSuspended {
		t.Fatalf("expected suspended, got %s", inst.Status)
	}
}

func TestIngressAcksUnknownEvent(t *testing.T) {
	ingress := newTestIngress(t, storage.NewMemoryStore(), nil, nil)

	rec := deliver(ingress, "watch", []byte(`{"action":"started"}`), signSHA256)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown event, got %d", rec.Code)
	}
}

func TestIngressAcksPing(t *testing.T) {
	ingress := newTestIngress(t, storage.NewMemoryStore(), nil, nil)

	rec := deliver(ingress, "ping", []byte(`{"zen":"Keep it logically awesome.","hook_id":1}`), signSHA256)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ping, got %d", rec.Code)
	}
}

func TestIngressFilteredByRules(t *testing.T) {
	store := storeWithInstallation(t, storage.StatusActive)
	rules, err := internal.NewRuleEngine([]internal.Rule{
		{When: "event == 'installation'", Effect: internal.EffectIgnore},
	}, nil)
	if err != nil {
		t.Fatalf("new rules: %v", err)
	}
	ingress := newTestIngress(t, store, rules, nil)

	rec := deliver(ingress, "installation", []byte(`{"action":"suspend","installation":{"id":42}}`), signSHA256)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for filtered event, got %d", rec.Code)
	}
	inst, _ := store.GetInstallation(context.Background(), "github", "42")
	if inst.Status != storage.StatusActive {
		t.Fatalf("expected filtered event to leave status untouched, got %s", inst.Status)
	}
}

func TestIngressEnqueuesRecoveryOnFailure(t *testing.T) {
	// No installation in the store, so routing fails and the delivery is
	// acknowledged with a recovery job queued.
	recovery := &captureEnqueuer{}
	ingress := newTestIngress(t, storage.NewMemoryStore(), nil, recovery)

	body := []byte(`{"action":"added","installation":{"id":42},"repositories_added":[{"id":7,"name":"api"}]}`)
	rec := deliver(ingress, "installation_repositories", body, signSHA256)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even on routing failure, got %d", rec.Code)
	}
	if len(recovery.jobs) != 1 {
		t.Fatalf("expected 1 recovery job, got %d", len(recovery.jobs))
	}
	if recovery.jobs[0] != "github/42/installation_repositories" {
		t.Fatalf("unexpected recovery job %q", recovery.jobs[0])
	}
}
