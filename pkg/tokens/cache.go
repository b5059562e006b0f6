package tokens

import (
	"context"
	"sync"
	"time"

	"platyfend/internal"
)

// SafetyMargin is how close to expiry a cached token may get before it is
// re-minted. Installation tokens are typically valid for about an hour.
const SafetyMargin = 10 * time.Minute

// Token is a short-lived installation credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Minter exchanges an app-level assertion for an installation token.
type Minter interface {
	MintInstallationToken(ctx context.Context, installationID string) (Token, error)
}

// Cache hands out installation tokens, minting only when the cached entry is
// within the safety margin of expiry. It is constructed once at startup and
// shared by every provider call; per-key writes are atomic. Concurrent misses
// for the same installation may mint more than once, which is harmless as
// each minted token is individually valid.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Token
	minter  Minter
	margin  time.Duration
	now     func() time.Time
}

// NewCache creates a token cache backed by a minter.
func NewCache(minter Minter) *Cache {
	return &Cache{
		entries: make(map[string]Token),
		minter:  minter,
		margin:  SafetyMargin,
		now:     time.Now,
	}
}

// InstallationToken returns a valid token for an installation, minting a
// fresh one if the cached token expires within the safety margin. On a mint
// failure the cached entry is evicted before the error is returned, so a
// token confirmed bad is never reused.
func (c *Cache) InstallationToken(ctx context.Context, installationID string) (string, error) {
	c.mu.RLock()
	entry, ok := c.entries[installationID]
	c.mu.RUnlock()
	if ok && entry.ExpiresAt.After(c.now().Add(c.margin)) {
		internal.IncTokenCacheHit("installations")
		return entry.Value, nil
	}

	minted, err := c.minter.MintInstallationToken(ctx, installationID)
	if err != nil {
		c.Evict(installationID)
		return "", err
	}
	internal.IncTokenMint("installations")

	// Store with the expiry pulled in by the margin so a reader near the
	// boundary never receives a token about to lapse mid-request.
	minted.ExpiresAt = minted.ExpiresAt.Add(-c.margin)
	c.mu.Lock()
	c.entries[installationID] = minted
	c.mu.Unlock()
	return minted.Value, nil
}

// Evict drops the cached token for an installation.
func (c *Cache) Evict(installationID string) {
	c.mu.Lock()
	delete(c.entries, installationID)
	c.mu.Unlock()
}
