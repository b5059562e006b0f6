package github

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"platyfend/pkg/apperror"
	"platyfend/pkg/provider"
	"platyfend/pkg/tokens"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

const defaultCallTimeout = 30 * time.Second

// Client implements provider.Client for GitHub App installations. Every call
// carries a timeout, and every failure is returned classified. The client
// never retries; retry policy belongs to the recovery orchestrator.
type Client struct {
	cfg     AppConfig
	auth    *AppAuthenticator
	tokens  *tokens.Cache
	timeout time.Duration
}

// NewClient creates a GitHub provider client backed by a shared token cache.
func NewClient(cfg AppConfig, cache *tokens.Cache, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		cfg:     cfg,
		auth:    NewAppAuthenticator(cfg),
		tokens:  cache,
		timeout: timeout,
	}
}

// GetInstallation fetches the installation record using app-level auth.
func (c *Client) GetInstallation(ctx context.Context, installationID string) (*provider.Installation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id, err := parseID(installationID)
	if err != nil {
		return nil, err
	}
	sdk, err := c.appSDK(ctx)
	if err != nil {
		return nil, err
	}
	inst, resp, err := sdk.Apps.GetInstallation(ctx, id)
	if err != nil {
		return nil, classify(resp, err)
	}
	out := &provider.Installation{
		InstallationID: installationID,
		Suspended:      inst.SuspendedAt != nil,
	}
	if account := inst.GetAccount(); account != nil {
		out.AccountID = strconv.FormatInt(account.GetID(), 10)
		out.AccountName = account.GetLogin()
		out.AccountType = account.GetType()
	}
	out.Permissions = flattenPermissions(inst.Permissions)
	return out, nil
}

// ListInstallationRepositories lists every repository the installation can
// see, following pagination.
func (c *Client) ListInstallationRepositories(ctx context.Context, installationID string) ([]provider.Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sdk, err := c.installationSDK(ctx, installationID)
	if err != nil {
		return nil, err
	}

	opts := &gh.ListOptions{PerPage: 100}
	repos := make([]provider.Repository, 0)
	for {
		page, resp, err := sdk.Apps.ListRepos(ctx, opts)
		if err != nil {
			c.tokens.Evict(installationID)
			return nil, classify(resp, err)
		}
		for _, repo := range page.Repositories {
			repos = append(repos, toProviderRepo(repo))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// GetRepository fetches a single repository by its external ID.
func (c *Client) GetRepository(ctx context.Context, installationID, repoID string) (*provider.Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id, err := parseID(repoID)
	if err != nil {
		return nil, err
	}
	sdk, err := c.installationSDK(ctx, installationID)
	if err != nil {
		return nil, err
	}
	repo, resp, err := sdk.Repositories.GetByID(ctx, id)
	if err != nil {
		return nil, classify(resp, err)
	}
	out := toProviderRepo(repo)
	return &out, nil
}

// GetRateLimitStatus reports the core API quota for the app credentials.
func (c *Client) GetRateLimitStatus(ctx context.Context) (*provider.RateLimitStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sdk, err := c.appSDK(ctx)
	if err != nil {
		return nil, err
	}
	limits, resp, err := sdk.RateLimit.Get(ctx)
	if err != nil {
		return nil, classify(resp, err)
	}
	core := limits.GetCore()
	if core == nil {
		return &provider.RateLimitStatus{}, nil
	}
	return &provider.RateLimitStatus{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		ResetAt:   core.Reset.Time,
	}, nil
}

// appSDK builds an SDK client authenticated with the app assertion.
func (c *Client) appSDK(ctx context.Context) (*gh.Client, error) {
	assertion, err := c.auth.appAssertion()
	if err != nil {
		return nil, apperror.Unauthenticated(err)
	}
	return c.sdkWithToken(ctx, assertion)
}

// installationSDK builds an SDK client authenticated with a cached
// installation token.
func (c *Client) installationSDK(ctx context.Context, installationID string) (*gh.Client, error) {
	token, err := c.tokens.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, apperror.Classify(err)
	}
	return c.sdkWithToken(ctx, token)
}

func (c *Client) sdkWithToken(ctx context.Context, token string) (*gh.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	baseURL := strings.TrimRight(c.cfg.BaseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		return gh.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
	}
	return gh.NewClient(httpClient), nil
}

func toProviderRepo(repo *gh.Repository) provider.Repository {
	return provider.Repository{
		RepoID:        strconv.FormatInt(repo.GetID(), 10),
		Name:          repo.GetName(),
		FullName:      repo.GetFullName(),
		Private:       repo.GetPrivate(),
		Language:      repo.GetLanguage(),
		Stars:         repo.GetStargazersCount(),
		Forks:         repo.GetForksCount(),
		DefaultBranch: repo.GetDefaultBranch(),
		HTMLURL:       repo.GetHTMLURL(),
	}
}

func flattenPermissions(perms *gh.InstallationPermissions) map[string]string {
	if perms == nil {
		return nil
	}
	out := make(map[string]string)
	if v := perms.GetMetadata(); v != "" {
		out["metadata"] = v
	}
	if v := perms.GetContents(); v != "" {
		out["contents"] = v
	}
	if v := perms.GetPullRequests(); v != "" {
		out["pull_requests"] = v
	}
	if v := perms.GetIssues(); v != "" {
		out["issues"] = v
	}
	if v := perms.GetAdministration(); v != "" {
		out["administration"] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// classify maps go-github errors onto the shared taxonomy.
func classify(resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return apperror.RateLimited(rateErr.Rate.Reset.Time, err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		reset := time.Now()
		if abuseErr.RetryAfter != nil {
			reset = reset.Add(*abuseErr.RetryAfter)
		}
		return apperror.RateLimited(reset, err)
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		var reset time.Time
		if resp != nil {
			reset = resp.Rate.Reset.Time
			if resp.Rate.Remaining > 0 {
				reset = time.Time{}
			}
		}
		return apperror.FromStatus(respErr.Response.StatusCode, reset, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Network(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperror.Network(err)
	}
	return apperror.Classify(err)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &apperror.Error{
			Type:     apperror.TypeProviderAPI,
			Message:  "invalid numeric id: " + raw,
			Severity: apperror.SeverityMedium,
			Actions:  []apperror.Action{apperror.ActionContactSupport},
			Err:      err,
		}
	}
	return id, nil
}
