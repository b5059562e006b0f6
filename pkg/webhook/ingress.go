package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"platyfend/internal"

	ghprovider "platyfend/pkg/providers/github"

	"github.com/go-playground/webhooks/v6/github"
)

// RecoveryEnqueuer accepts a recovery job for a delivery whose routing
// failed. Implemented by the recovery queue.
type RecoveryEnqueuer interface {
	EnqueueWebhookFailure(ctx context.Context, provider, installationID, event string) error
}

// GitHubIngress terminates GitHub webhook deliveries: it verifies the
// signature, filters the event through the rule engine, and hands the payload
// to the Router. Routing failures are acknowledged with 200 and pushed onto
// the recovery queue; a delivery is only rejected when its signature does not
// verify.
type GitHubIngress struct {
	hook         *github.Webhook
	fallbackHook *github.Webhook
	secret       string
	rules        *internal.RuleEngine
	router       *Router
	recovery     RecoveryEnqueuer
	logger       *log.Logger
	maxBody      int64
	debugEvents  bool
}

var githubEvents = []github.Event{
	github.CheckRunEvent,
	github.CheckSuiteEvent,
	github.CommitCommentEvent,
	github.CreateEvent,
	github.DeleteEvent,
	github.DependabotAlertEvent,
	github.DeployKeyEvent,
	github.DeploymentEvent,
	github.DeploymentStatusEvent,
	github.ForkEvent,
	github.GollumEvent,
	github.InstallationEvent,
	github.InstallationRepositoriesEvent,
	github.IntegrationInstallationEvent,
	github.IntegrationInstallationRepositoriesEvent,
	github.IssueCommentEvent,
	github.IssuesEvent,
	github.LabelEvent,
	github.MemberEvent,
	github.MembershipEvent,
	github.MilestoneEvent,
	github.MetaEvent,
	github.OrganizationEvent,
	github.OrgBlockEvent,
	github.PageBuildEvent,
	github.PingEvent,
	github.ProjectCardEvent,
	github.ProjectColumnEvent,
	github.ProjectEvent,
	github.PublicEvent,
	github.PullRequestEvent,
	github.PullRequestReviewEvent,
	github.PullRequestReviewCommentEvent,
	github.PushEvent,
	github.ReleaseEvent,
	github.RepositoryEvent,
	github.RepositoryVulnerabilityAlertEvent,
	github.SecurityAdvisoryEvent,
	github.StatusEvent,
	github.TeamEvent,
	github.TeamAddEvent,
	github.WatchEvent,
	github.WorkflowDispatchEvent,
	github.WorkflowJobEvent,
	github.WorkflowRunEvent,
	github.GitHubAppAuthorizationEvent,
}

// NewGitHubIngress creates a GitHubIngress. The secret is required; there is
// no unverified code path.
func NewGitHubIngress(secret string, rules *internal.RuleEngine, router *Router, recovery RecoveryEnqueuer, logger *log.Logger, maxBody int64, debugEvents bool) (*GitHubIngress, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	hook, err := github.New(github.Options.Secret(secret))
	if err != nil {
		return nil, err
	}
	fallbackHook, err := github.New()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default()
	}
	return &GitHubIngress{
		hook:         hook,
		fallbackHook: fallbackHook,
		secret:       secret,
		rules:        rules,
		router:       router,
		recovery:     recovery,
		logger:       logger,
		maxBody:      maxBody,
		debugEvents:  debugEvents,
	}, nil
}

// ServeHTTP handles an incoming delivery.
func (h *GitHubIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)
	internal.IncWebhookEvent("github")

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		internal.IncWebhookError("github")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	eventName := r.Header.Get("X-GitHub-Event")
	if h.debugEvents {
		logger.Printf("github event=%s bytes=%d", eventName, len(rawBody))
	}

	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil {
		// Legacy senders sign with sha1 only. Accept the delivery when
		// that signature verifies against the same secret.
		if errors.Is(err, github.ErrMissingHubSignatureHeader) {
			sha1Header := r.Header.Get("X-Hub-Signature")
			if sha1Header != "" && verifySHA1(h.secret, rawBody, sha1Header) {
				logger.Printf("github parse warning: %v; accepted sha1 signature", err)
				r.Body = io.NopCloser(bytes.NewReader(rawBody))
				payload, err = h.fallbackHook.Parse(r, githubEvents...)
			}
		}
		if err != nil {
			internal.IncWebhookError("github")
			logger.Printf("github parse failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	if _, ok := payload.(github.PingPayload); ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.shouldProcess(eventName, rawBody) {
		logger.Printf("github event=%s filtered by rules", eventName)
		w.WriteHeader(http.StatusOK)
		return
	}

	result := h.router.Handle(r.Context(), "github", eventName, rawBody)
	if result.Success {
		if result.RepositoriesAffected > 0 {
			logger.Printf("github event=%s action=%s repos=%d", eventName, result.Action, result.RepositoriesAffected)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	internal.IncWebhookError("github")
	for _, routeErr := range result.Errors {
		logger.Printf("github event=%s action=%s failed: %v", eventName, result.Action, routeErr)
	}
	h.enqueueRecovery(r.Context(), logger, eventName, rawBody)

	// The provider retries 4xx/5xx aggressively; recovery is ours now, so
	// acknowledge the delivery.
	w.WriteHeader(http.StatusOK)
}

func (h *GitHubIngress) shouldProcess(eventName string, raw []byte) bool {
	if h.rules == nil {
		return true
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return true
	}
	data := map[string]interface{}{}
	action := ""
	if objectMap, ok := decoded.(map[string]interface{}); ok {
		data = internal.Flatten(objectMap)
		action, _ = objectMap["action"].(string)
	}
	return h.rules.ShouldProcess(internal.Event{
		Provider:  "github",
		Name:      eventName,
		Action:    action,
		Data:      data,
		RawObject: decoded,
	})
}

func (h *GitHubIngress) enqueueRecovery(ctx context.Context, logger *log.Logger, eventName string, raw []byte) {
	if h.recovery == nil {
		return
	}
	installationID := ""
	if id, ok, err := ghprovider.InstallationIDFromPayload(raw); err == nil && ok {
		installationID = id
	}
	if installationID == "" {
		logger.Printf("github event=%s has no installation id; not recoverable", eventName)
		return
	}
	if err := h.recovery.EnqueueWebhookFailure(ctx, "github", installationID, eventName); err != nil {
		logger.Printf("enqueue recovery for installation %s failed: %v", installationID, err)
	}
}

func verifySHA1(secret string, body []byte, signature string) bool {
	if secret == "" || len(body) == 0 || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha1=")
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-GitHub-Delivery"); id != "" {
		return id
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
