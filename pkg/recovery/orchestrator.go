package recovery

import (
	"context"
	"errors"
	"log"
	"time"

	"platyfend/internal"
	"platyfend/pkg/apperror"
	"platyfend/pkg/provider"
	"platyfend/pkg/reconcile"
	"platyfend/pkg/storage"
)

// Policy bounds how the orchestrator retries retryable failures.
type Policy struct {
	Base     time.Duration
	Cap      time.Duration
	Attempts int
}

// DefaultPolicy is the standard exponential backoff: 1s, 2s, 4s... capped at
// 30s, three attempts total.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Cap: 30 * time.Second, Attempts: 3}
}

// Backoff returns the wait before the next try after the given 1-based
// attempt: min(base*2^(attempt-1), cap).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// RateLimitReport describes the provider quota after a rate-limit recovery
// probe.
type RateLimitReport struct {
	Provider  string
	Limit     int
	Remaining int
	ResetAt   time.Time
	Limited   bool
	RetryIn   time.Duration
}

// InstallationHealth is the per-installation slice of a health check.
type InstallationHealth struct {
	Provider       string
	InstallationID string
	Status         storage.Status
	TotalRepos     int
	Reachable      bool
	Problem        string
}

// HealthReport aggregates installation health for one owner. Deleted
// installations are listed but counted in neither bucket.
type HealthReport struct {
	OwnerID        string
	CheckedAt      time.Time
	Installations  []InstallationHealth
	HealthyCount   int
	UnhealthyCount int
	Healthy        bool
}

// Orchestrator drives recovery flows: re-syncing after webhook failures,
// resolving revoked access, and reporting on rate limits. All retries happen
// here, never in the provider clients.
type Orchestrator struct {
	store      storage.Store
	providers  *provider.Factory
	reconciler *reconcile.Reconciler
	policy     Policy
	logger     *log.Logger

	// sleep is swapped in tests so backoff does not wall-clock wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an Orchestrator with the given retry policy.
func NewOrchestrator(store storage.Store, providers *provider.Factory, reconciler *reconcile.Reconciler, policy Policy, logger *log.Logger) *Orchestrator {
	if policy.Attempts <= 0 {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		store:      store,
		providers:  providers,
		reconciler: reconciler,
		policy:     policy,
		logger:     logger,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs fn up to the policy's attempt count, backing off between
// tries. Non-retryable errors stop immediately. A provider-requested wait
// (rate-limit reset) stretches the backoff when it is longer.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= o.policy.Attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		classified := apperror.Classify(lastErr)
		if !classified.Retryable {
			return classified
		}
		if attempt == o.policy.Attempts {
			break
		}
		delay := o.policy.Backoff(attempt)
		if wait, ok := apperror.RetryAfter(classified); ok && wait > delay {
			delay = wait
		}
		o.logger.Printf("%s attempt %d/%d failed: %v; retrying in %s", op, attempt, o.policy.Attempts, classified, delay)
		if err := o.sleep(ctx, delay); err != nil {
			return apperror.Classify(err)
		}
	}
	return apperror.Classify(lastErr)
}

// RecoverFromWebhookFailure repairs the gap left by a failed webhook delivery
// with a full reconcile of the installation.
func (o *Orchestrator) RecoverFromWebhookFailure(ctx context.Context, providerName, installationID string) error {
	internal.IncRecoveryRun("webhook_failure")
	return o.withRetry(ctx, "webhook recovery reconcile", func(ctx context.Context) error {
		result, err := o.reconciler.Reconcile(ctx, providerName, installationID)
		if err != nil {
			return err
		}
		if !result.Success {
			return apperror.Sync("recovery reconcile finished with errors", errors.Join(repoErrs(result)...))
		}
		return nil
	})
}

// RecoverFromAccessRevocation probes the provider to decide what a failing
// installation has become: gone entirely (deleted), present but unusable
// (suspended), or healthy after all (active, followed by a reconcile).
func (o *Orchestrator) RecoverFromAccessRevocation(ctx context.Context, providerName, installationID string) error {
	internal.IncRecoveryRun("access_revocation")
	client, err := o.providers.Client(providerName)
	if err != nil {
		return apperror.Classify(err)
	}

	remote, err := client.GetInstallation(ctx, installationID)
	if err != nil {
		classified := apperror.Classify(err)
		switch {
		case apperror.IsNotFound(classified), apperror.IsUnauthenticated(classified):
			// The app was uninstalled or the credentials revoked. Deleted
			// is terminal, so only these two replies may trigger it; an
			// anomalous status is surfaced instead.
			o.logger.Printf("installation %s unreachable (%s); marking deleted", installationID, classified.Type)
			return apperror.Classify(o.store.UpdateStatus(ctx, providerName, installationID, storage.StatusDeleted))
		case classified.Type == apperror.TypePermission:
			// Still installed, but we may not look at it.
			o.logger.Printf("installation %s denies access; marking suspended", installationID)
			return apperror.Classify(o.store.UpdateStatus(ctx, providerName, installationID, storage.StatusSuspended))
		default:
			return classified
		}
	}

	if remote.Suspended {
		o.logger.Printf("installation %s is suspended at the provider", installationID)
		return apperror.Classify(o.store.UpdateStatus(ctx, providerName, installationID, storage.StatusSuspended))
	}

	if _, err := client.ListInstallationRepositories(ctx, installationID); err != nil {
		// The installation exists but repository access is gone.
		o.logger.Printf("installation %s cannot list repositories: %v; marking suspended", installationID, err)
		return apperror.Classify(o.store.UpdateStatus(ctx, providerName, installationID, storage.StatusSuspended))
	}

	// Access is intact. Reactivate and converge.
	if err := o.store.UpdateStatus(ctx, providerName, installationID, storage.StatusActive); err != nil {
		return apperror.Classify(err)
	}
	return o.withRetry(ctx, "post-revocation reconcile", func(ctx context.Context) error {
		result, err := o.reconciler.Reconcile(ctx, providerName, installationID)
		if err != nil {
			return err
		}
		if !result.Success {
			return apperror.Sync("post-revocation reconcile finished with errors", errors.Join(repoErrs(result)...))
		}
		return nil
	})
}

// RecoverFromRateLimit reports the current quota and how long to hold off.
// It does not block; callers schedule their own resumption.
func (o *Orchestrator) RecoverFromRateLimit(ctx context.Context, providerName string) (*RateLimitReport, error) {
	internal.IncRecoveryRun("rate_limit")
	client, err := o.providers.Client(providerName)
	if err != nil {
		return nil, apperror.Classify(err)
	}
	status, err := client.GetRateLimitStatus(ctx)
	if err != nil {
		return nil, apperror.Classify(err)
	}
	report := &RateLimitReport{
		Provider:  providerName,
		Limit:     status.Limit,
		Remaining: status.Remaining,
		ResetAt:   status.ResetAt,
	}
	if status.Limit > 0 && status.Remaining == 0 {
		report.Limited = true
		if wait := time.Until(status.ResetAt); wait > 0 {
			report.RetryIn = wait
		}
	}
	return report, nil
}

// PerformHealthCheck probes every installation owned by ownerID.
func (o *Orchestrator) PerformHealthCheck(ctx context.Context, ownerID string) (*HealthReport, error) {
	internal.IncRecoveryRun("health_check")
	installations, err := o.store.ListInstallationsByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperror.Classify(err)
	}

	report := &HealthReport{
		OwnerID:       ownerID,
		CheckedAt:     time.Now().UTC(),
		Installations: make([]InstallationHealth, 0, len(installations)),
		Healthy:       true,
	}
	for _, inst := range installations {
		health := InstallationHealth{
			Provider:       inst.Provider,
			InstallationID: inst.InstallationID,
			Status:         inst.Status,
			TotalRepos:     inst.TotalRepos,
		}
		switch inst.Status {
		case storage.StatusDeleted:
			// Nothing to probe for a deleted installation.
		default:
			health.Reachable = o.probe(ctx, &health, inst.Provider, inst.InstallationID)
		}
		// Deleted installations are expected to be dead and do not
		// degrade the report.
		if inst.Status != storage.StatusDeleted {
			if inst.Status == storage.StatusActive && health.Reachable {
				report.HealthyCount++
			} else {
				report.UnhealthyCount++
				report.Healthy = false
			}
		}
		report.Installations = append(report.Installations, health)
	}
	return report, nil
}

func (o *Orchestrator) probe(ctx context.Context, health *InstallationHealth, providerName, installationID string) bool {
	client, err := o.providers.Client(providerName)
	if err != nil {
		health.Problem = err.Error()
		return false
	}
	// Repository access is the capability the rest of the system depends on,
	// so that is what gets probed, not mere installation existence.
	if _, err := client.ListInstallationRepositories(ctx, installationID); err != nil {
		health.Problem = apperror.Classify(err).Message
		return false
	}
	return true
}

func repoErrs(result *reconcile.Result) []error {
	errs := make([]error, 0, len(result.Errors))
	for _, repoErr := range result.Errors {
		errs = append(errs, repoErr.Err)
	}
	return errs
}
