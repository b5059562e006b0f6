package internal

import "expvar"

var (
	webhookEvents  = expvar.NewMap("platyfend_webhook_events_total")
	webhookErrors  = expvar.NewMap("platyfend_webhook_errors_total")
	syncRuns       = expvar.NewMap("platyfend_sync_runs_total")
	syncErrors     = expvar.NewMap("platyfend_sync_errors_total")
	recoveryRuns   = expvar.NewMap("platyfend_recovery_runs_total")
	tokenMints     = expvar.NewMap("platyfend_token_mints_total")
	tokenCacheHits = expvar.NewMap("platyfend_token_cache_hits_total")
)

func IncWebhookEvent(provider string) {
	webhookEvents.Add(provider, 1)
}

func IncWebhookError(provider string) {
	webhookErrors.Add(provider, 1)
}

func IncSyncRun(provider string) {
	syncRuns.Add(provider, 1)
}

func IncSyncError(provider string) {
	syncErrors.Add(provider, 1)
}

func IncRecoveryRun(kind string) {
	recoveryRuns.Add(kind, 1)
}

func IncTokenMint(provider string) {
	tokenMints.Add(provider, 1)
}

func IncTokenCacheHit(provider string) {
	tokenCacheHits.Add(provider, 1)
}
