package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Installation is the provider's view of one app installation.
type Installation struct {
	InstallationID string
	AccountID      string
	AccountName    string
	AccountType    string
	Suspended      bool
	Permissions    map[string]string
}

// Repository is a provider-neutral repository record.
type Repository struct {
	RepoID        string
	Name          string
	FullName      string
	Private       bool
	Language      string
	Stars         int
	Forks         int
	DefaultBranch string
	HTMLURL       string
}

// RateLimitStatus reports the provider's current request quota.
type RateLimitStatus struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Client is the abstract VCS provider API. Implementations return errors
// already classified as *apperror.Error and never retry on their own.
type Client interface {
	GetInstallation(ctx context.Context, installationID string) (*Installation, error)
	ListInstallationRepositories(ctx context.Context, installationID string) ([]Repository, error)
	GetRepository(ctx context.Context, installationID, repoID string) (*Repository, error)
	GetRateLimitStatus(ctx context.Context) (*RateLimitStatus, error)
}

// Factory maps provider names to registered clients.
type Factory struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewFactory creates an empty Factory.
func NewFactory() *Factory {
	return &Factory{clients: make(map[string]Client)}
}

// Register binds a client to a provider name.
func (f *Factory) Register(name string, client Client) {
	if name == "" || client == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[strings.ToLower(name)] = client
}

// Client returns the client for a provider name.
func (f *Factory) Client(name string) (Client, error) {
	f.mu.RLock()
	client, ok := f.clients[strings.ToLower(name)]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
	return client, nil
}

// Supported lists registered provider names.
func (f *Factory) Supported() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.clients))
	for name := range f.clients {
		names = append(names, name)
	}
	return names
}
