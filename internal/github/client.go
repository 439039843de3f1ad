package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"Conductor/internal/metrics"
	"Conductor/internal/models"
)

const (
	defaultBaseURL   = "https://api.github.com"
	githubAPIVersion = "2022-11-28"
	maxErrorBody     = 64 << 10
)

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the REST API root. Defaults to https://api.github.com.
	BaseURL string

	// Owner is the user or organization owning every managed repository.
	Owner string

	// Token is a personal access token with admin rights on the repositories.
	Token string

	// PerPage is the page size for list endpoints. Defaults to 100.
	PerPage int

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client talks to the GitHub Actions self-hosted runner API of one owner.
type Client struct {
	baseURL string
	owner   string
	token   string
	perPage int
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("github: owner is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 100
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: baseURL,
		owner:   cfg.Owner,
		token:   cfg.Token,
		perPage: perPage,
		client:  httpClient,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "github"),
	}, nil
}

func (c *Client) Owner() string {
	return c.owner
}

// LatestRunnerRelease returns the newest published actions/runner release.
func (c *Client) LatestRunnerRelease(ctx context.Context) (*Release, error) {
	var wire struct {
		TagName string `json:"tag_name"`
		Assets  []struct {
			Name        string `json:"name"`
			DownloadURL string `json:"browser_download_url"`
		} `json:"assets"`
	}

	body, _, err := c.do(ctx, http.MethodGet, c.baseURL+"/repos/actions/runner/releases/latest", "latest_release")
	if err != nil {
		return nil, fmt.Errorf("fetching latest runner release: %w", err)
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decoding latest runner release: %w", err)
	}
	if wire.TagName == "" {
		return nil, fmt.Errorf("latest runner release has no tag")
	}

	release := &Release{
		Tag:     wire.TagName,
		Version: strings.TrimPrefix(wire.TagName, "v"),
	}
	for _, a := range wire.Assets {
		release.Assets = append(release.Assets, Asset{Name: a.Name, DownloadURL: a.DownloadURL})
	}
	return release, nil
}

type wireRunner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	OS     string `json:"os"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// ListRunners returns every self-hosted runner registered to the repository,
// following Link pagination.
func (c *Client) ListRunners(ctx context.Context, repo string) ([]models.RemoteRunner, error) {
	next := fmt.Sprintf("%s?per_page=%d", c.repoPath(repo, "/actions/runners"), c.perPage)

	var runners []models.RemoteRunner
	for next != "" {
		body, header, err := c.do(ctx, http.MethodGet, next, "list_runners")
		if err != nil {
			return nil, fmt.Errorf("listing runners of %s: %w", repo, err)
		}

		var page struct {
			TotalCount int          `json:"total_count"`
			Runners    []wireRunner `json:"runners"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decoding runners of %s: %w", repo, err)
		}

		for _, r := range page.Runners {
			labels := make([]string, 0, len(r.Labels))
			for _, l := range r.Labels {
				labels = append(labels, l.Name)
			}
			runners = append(runners, models.RemoteRunner{
				Repo:   repo,
				ID:     r.ID,
				Name:   r.Name,
				Labels: labels,
				Busy:   r.Busy,
				Status: r.Status,
				OS:     r.OS,
			})
		}

		next = parseLinkNext(header.Get("Link"))
	}

	return runners, nil
}

// CreateRegistrationToken mints a one-time token for registering a runner.
func (c *Client) CreateRegistrationToken(ctx context.Context, repo string) (models.Token, error) {
	body, _, err := c.do(ctx, http.MethodPost, c.repoPath(repo, "/actions/runners/registration-token"), "registration_token")
	if err != nil {
		return models.Token{}, fmt.Errorf("creating registration token for %s: %w", repo, err)
	}

	var wire struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return models.Token{}, fmt.Errorf("decoding registration token for %s: %w", repo, err)
	}
	if wire.Token == "" {
		return models.Token{}, fmt.Errorf("empty registration token for %s", repo)
	}

	return models.Token{Value: wire.Token, ExpiresAt: wire.ExpiresAt}, nil
}

// DeleteRunner removes a runner registration. A runner that is already gone
// is not an error.
func (c *Client) DeleteRunner(ctx context.Context, repo string, id int64) error {
	path := c.repoPath(repo, "/actions/runners/"+strconv.FormatInt(id, 10))
	if _, _, err := c.do(ctx, http.MethodDelete, path, "delete_runner"); err != nil {
		if IsNotFound(err) {
			c.logger.Debug("runner already deleted", "repo", repo, "runner_id", id)
			return nil
		}
		return fmt.Errorf("deleting runner %d of %s: %w", id, repo, err)
	}
	return nil
}

func (c *Client) repoPath(repo, suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", c.baseURL, url.PathEscape(c.owner), url.PathEscape(repo), suffix)
}

// do executes an authenticated request and returns the body of a 2xx
// response. Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, rawURL, endpoint string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)

	start := time.Now()
	resp, err := c.client.Do(req)
	c.observe(endpoint, resp, time.Since(start))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, parseAPIError(resp.StatusCode, body)
	}

	c.logger.Debug("github request",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return body, resp.Header, nil
}

func (c *Client) observe(endpoint string, resp *http.Response, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.GitHubAPIRequests.WithLabelValues(endpoint, status).Inc()
	c.metrics.GitHubAPIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// parseLinkNext extracts the rel="next" URL of an RFC 5988 Link header.
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 || !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		link := strings.TrimSpace(segments[0])
		if strings.HasPrefix(link, "<") && strings.HasSuffix(link, ">") {
			return link[1 : len(link)-1]
		}
	}
	return ""
}
