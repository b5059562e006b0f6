package bitbucket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"platyfend/pkg/apperror"
	"platyfend/pkg/provider"

	bb "github.com/ktrysmt/go-bitbucket"
)

const defaultCallTimeout = 30 * time.Second

// Config holds Bitbucket connection settings.
type Config struct {
	Token    string
	Username string
	Password string
}

// Client implements provider.Client for Bitbucket. An "installation" maps to
// a workspace; repositories are the workspace's repositories, keyed by UUID.
type Client struct {
	sdk     *bb.Client
	timeout time.Duration
}

// NewClient creates a Bitbucket provider client. A bearer token takes
// precedence over app-password basic auth.
func NewClient(cfg Config, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	var sdk *bb.Client
	if cfg.Token != "" {
		sdk = bb.NewOAuthbearerToken(cfg.Token)
	} else {
		sdk = bb.NewBasicAuth(cfg.Username, cfg.Password)
	}
	// The SDK does not take a context per call, so the timeout lives on its
	// HTTP client instead.
	sdk.HttpClient = &http.Client{Timeout: timeout}
	return &Client{sdk: sdk, timeout: timeout}
}

// GetInstallation resolves the workspace behind an installation ID.
func (c *Client) GetInstallation(ctx context.Context, installationID string) (*provider.Installation, error) {
	workspace, err := c.sdk.Workspaces.Get(installationID)
	if err != nil {
		return nil, classify(err)
	}
	return &provider.Installation{
		InstallationID: installationID,
		AccountID:      workspace.UUID,
		AccountName:    workspace.Slug,
		AccountType:    "Workspace",
	}, nil
}

// ListInstallationRepositories lists every repository in the workspace.
func (c *Client) ListInstallationRepositories(ctx context.Context, installationID string) ([]provider.Repository, error) {
	res, err := c.sdk.Repositories.ListForAccount(&bb.RepositoriesOptions{Owner: installationID})
	if err != nil {
		return nil, classify(err)
	}
	repos := make([]provider.Repository, 0, len(res.Items))
	for i := range res.Items {
		repos = append(repos, toProviderRepo(&res.Items[i]))
	}
	return repos, nil
}

// GetRepository fetches a single repository by UUID.
func (c *Client) GetRepository(ctx context.Context, installationID, repoID string) (*provider.Repository, error) {
	repo, err := c.sdk.Repositories.Repository.Get(&bb.RepositoryOptions{
		Owner:    installationID,
		RepoSlug: repoID,
	})
	if err != nil {
		return nil, classify(err)
	}
	out := toProviderRepo(repo)
	return &out, nil
}

// GetRateLimitStatus reports an always-ready status; Bitbucket exposes no
// quota endpoint, and 429 replies are classified at call sites instead.
func (c *Client) GetRateLimitStatus(ctx context.Context) (*provider.RateLimitStatus, error) {
	return &provider.RateLimitStatus{}, nil
}

func toProviderRepo(repo *bb.Repository) provider.Repository {
	name := repo.Slug
	if name == "" {
		name = repo.Name
	}
	out := provider.Repository{
		RepoID:   repo.Uuid,
		Name:     name,
		FullName: repo.Full_name,
		Private:  repo.Is_private,
		Language: repo.Language,
	}
	if repo.Mainbranch.Name != "" {
		out.DefaultBranch = repo.Mainbranch.Name
	}
	return out
}

// classify maps go-bitbucket errors onto the shared taxonomy. The SDK folds
// HTTP statuses into error strings, so the status code is recovered from the
// message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Network(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperror.Network(err)
	}
	if code, ok := statusFromError(err); ok {
		return apperror.FromStatus(code, time.Time{}, err)
	}
	return apperror.Classify(err)
}

func statusFromError(err error) (int, bool) {
	for _, field := range strings.Fields(err.Error()) {
		trimmed := strings.Trim(field, ":,()")
		if len(trimmed) != 3 {
			continue
		}
		code, convErr := strconv.Atoi(trimmed)
		if convErr == nil && code >= 400 && code < 600 {
			return code, true
		}
	}
	return 0, false
}
