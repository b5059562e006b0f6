package gitlab

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"platyfend/pkg/apperror"
	"platyfend/pkg/provider"

	gl "github.com/xanzy/go-gitlab"
)

const defaultCallTimeout = 30 * time.Second

// Config holds GitLab connection settings. The token is a PAT or group
// access token; GitLab has no app-installation token exchange.
type Config struct {
	Token   string
	BaseURL string
}

// Client implements provider.Client for GitLab. An "installation" maps to a
// group namespace; repositories are the group's projects.
type Client struct {
	sdk     *gl.Client
	timeout time.Duration
}

// NewClient creates a GitLab provider client.
func NewClient(cfg Config, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	opts := make([]gl.ClientOptionFunc, 0, 1)
	if cfg.BaseURL != "" {
		opts = append(opts, gl.WithBaseURL(cfg.BaseURL))
	}
	sdk, err := gl.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{sdk: sdk, timeout: timeout}, nil
}

// GetInstallation resolves the group behind an installation ID.
func (c *Client) GetInstallation(ctx context.Context, installationID string) (*provider.Installation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	group, resp, err := c.sdk.Groups.GetGroup(installationID, nil, gl.WithContext(ctx))
	if err != nil {
		return nil, classify(resp, err)
	}
	return &provider.Installation{
		InstallationID: installationID,
		AccountID:      strconv.Itoa(group.ID),
		AccountName:    group.Path,
		AccountType:    "Group",
	}, nil
}

// ListInstallationRepositories lists every project in the group, following
// pagination and descending into subgroups.
func (c *Client) ListInstallationRepositories(ctx context.Context, installationID string) ([]provider.Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := &gl.ListGroupProjectsOptions{
		IncludeSubGroups: gl.Ptr(true),
		ListOptions:      gl.ListOptions{PerPage: 100},
	}
	repos := make([]provider.Repository, 0)
	for {
		projects, resp, err := c.sdk.Groups.ListGroupProjects(installationID, opts, gl.WithContext(ctx))
		if err != nil {
			return nil, classify(resp, err)
		}
		for _, project := range projects {
			repos = append(repos, toProviderRepo(project))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// GetRepository fetches a single project by its numeric ID.
func (c *Client) GetRepository(ctx context.Context, installationID, repoID string) (*provider.Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	project, resp, err := c.sdk.Projects.GetProject(repoID, nil, gl.WithContext(ctx))
	if err != nil {
		return nil, classify(resp, err)
	}
	out := toProviderRepo(project)
	return &out, nil
}

// GetRateLimitStatus reads GitLab's rate limit headers from a cheap call;
// GitLab exposes no dedicated quota endpoint.
func (c *Client) GetRateLimitStatus(ctx context.Context) (*provider.RateLimitStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, resp, err := c.sdk.Version.GetVersion(gl.WithContext(ctx))
	if err != nil {
		return nil, classify(resp, err)
	}
	status := &provider.RateLimitStatus{}
	if resp == nil {
		return status, nil
	}
	if v, convErr := strconv.Atoi(resp.Header.Get("RateLimit-Limit")); convErr == nil {
		status.Limit = v
	}
	if v, convErr := strconv.Atoi(resp.Header.Get("RateLimit-Remaining")); convErr == nil {
		status.Remaining = v
	}
	if v, convErr := strconv.ParseInt(resp.Header.Get("RateLimit-Reset"), 10, 64); convErr == nil {
		status.ResetAt = time.Unix(v, 0)
	}
	return status, nil
}

func toProviderRepo(project *gl.Project) provider.Repository {
	return provider.Repository{
		RepoID:        strconv.Itoa(project.ID),
		Name:          project.Path,
		FullName:      project.PathWithNamespace,
		Private:       project.Visibility != gl.PublicVisibility,
		DefaultBranch: project.DefaultBranch,
		Stars:         project.StarCount,
		Forks:         project.ForksCount,
		HTMLURL:       project.WebURL,
	}
}

func classify(resp *gl.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil {
		var reset time.Time
		if resp.StatusCode == 429 {
			if v, convErr := strconv.ParseInt(resp.Header.Get("RateLimit-Reset"), 10, 64); convErr == nil {
				reset = time.Unix(v, 0)
			}
		}
		return apperror.FromStatus(resp.StatusCode, reset, err)
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
