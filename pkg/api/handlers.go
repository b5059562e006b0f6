package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"platyfend/pkg/apperror"
	"platyfend/pkg/reconcile"
	"platyfend/pkg/recovery"
	"platyfend/pkg/storage"
)

// InstallationsHandler lists stored installations for an owner.
type InstallationsHandler struct {
	Store  storage.Store
	Logger *log.Logger
}

func (h *InstallationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		http.Error(w, "missing owner_id", http.StatusBadRequest)
		return
	}

	records, err := h.Store.ListInstallationsByOwner(r.Context(), ownerID)
	if err != nil {
		writeError(w, h.Logger, "list installations", err)
		return
	}
	writeJSON(w, records)
}

// SyncHandler runs a manual full reconcile of one installation.
type SyncHandler struct {
	Reconciler *reconcile.Reconciler
	Logger     *log.Logger
}

func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider, installationID, ok := installationParams(w, r)
	if !ok {
		return
	}

	result, err := h.Reconciler.Reconcile(r.Context(), provider, installationID)
	if err != nil {
		writeError(w, h.Logger, "manual sync", err)
		return
	}
	writeJSON(w, result)
}

// RecoverAccessHandler resolves an installation whose provider access is in
// doubt: it probes the provider and settles the local status.
type RecoverAccessHandler struct {
	Orchestrator *recovery.Orchestrator
	Logger       *log.Logger
}

func (h *RecoverAccessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider, installationID, ok := installationParams(w, r)
	if !ok {
		return
	}

	if err := h.Orchestrator.RecoverFromAccessRevocation(r.Context(), provider, installationID); err != nil {
		writeError(w, h.Logger, "access recovery", err)
		return
	}
	writeJSON(w, map[string]bool{"recovered": true})
}

// RecoverRateLimitHandler reports the provider quota and suggested wait.
type RecoverRateLimitHandler struct {
	Orchestrator *recovery.Orchestrator
	Logger       *log.Logger
}

func (h *RecoverRateLimitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	if provider == "" {
		http.Error(w, "missing provider", http.StatusBadRequest)
		return
	}

	report, err := h.Orchestrator.RecoverFromRateLimit(r.Context(), provider)
	if err != nil {
		writeError(w, h.Logger, "rate limit recovery", err)
		return
	}
	writeJSON(w, report)
}

// HealthHandler reports per-installation health for an owner.
type HealthHandler struct {
	Orchestrator *recovery.Orchestrator
	Logger       *log.Logger
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		http.Error(w, "missing owner_id", http.StatusBadRequest)
		return
	}

	report, err := h.Orchestrator.PerformHealthCheck(r.Context(), ownerID)
	if err != nil {
		writeError(w, h.Logger, "health check", err)
		return
	}
	writeJSON(w, report)
}

func installationParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	installationID := strings.TrimSpace(r.URL.Query().Get("installation_id"))
	if provider == "" || installationID == "" {
		http.Error(w, "missing provider or installation_id", http.StatusBadRequest)
		return "", "", false
	}
	return provider, installationID, true
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a classified error to an HTTP status and surfaces the user
// message, never the raw cause.
func writeError(w http.ResponseWriter, logger *log.Logger, op string, err error) {
	if logger != nil {
		logger.Printf("%s failed: %v", op, err)
	}
	classified := apperror.Classify(err)

	status := http.StatusInternalServerError
	switch {
	case classified.Retryable:
		status = http.StatusServiceUnavailable
	case classified.Type == apperror.TypePermission:
		status = http.StatusForbidden
	case classified.Type == apperror.TypeInstallation:
		status = http.StatusConflict
		if strings.Contains(classified.Message, "not found") {
			status = http.StatusNotFound
		}
	case classified.Type == apperror.TypeStore:
		status = http.StatusBadRequest
	}
	if classified.RetryAfter > 0 {
		status = http.StatusTooManyRequests
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     classified.Type,
		"message":   classified.UserMessage,
		"severity":  classified.Severity,
		"retryable": classified.Retryable,
		"actions":   classified.Actions,
	})
}
