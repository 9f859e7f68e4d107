// Package ci talks to the GitHub Actions REST API to find workflow runs and
// download the libraries they publish as artifacts.
package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bevara/compiler/pkg/auth"
)

// apiVersion pins the GitHub REST API version.
const apiVersion = "2022-11-28"

const defaultBaseURL = "https://api.github.com"

// maxArtifactSize bounds artifact downloads.
const maxArtifactSize = 256 << 20

var ErrNoSuccessfulRun = errors.New("no successful workflow run")

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL defaults to https://api.github.com and must use HTTPS.
	BaseURL string

	// Token supplies the bearer credential. Public repositories work
	// without one.
	Token auth.TokenProvider

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Repo names a GitHub repository.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"repo"`
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// WorkflowRun is the subset of a GitHub workflow run used here.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// Artifact is a file bundle uploaded by a workflow run.
type Artifact struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	SizeInBytes        int64  `json:"size_in_bytes"`
	Expired            bool   `json:"expired"`
	ArchiveDownloadURL string `json:"archive_download_url"`
}

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a minimal GitHub Actions client.
type Client struct {
	baseURL    string
	token      auth.TokenProvider
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. It fails on a non-HTTPS base URL.
func NewClient(cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{baseURL: baseURL, token: cfg.Token, httpClient: httpClient, logger: logger}, nil
}

// ListRuns returns the most recent workflow runs of repo, newest first. An
// empty branch lists runs on every branch.
func (c *Client) ListRuns(ctx context.Context, repo Repo, branch string) ([]WorkflowRun, error) {
	query := url.Values{"per_page": {"100"}}
	if branch != "" {
		query.Set("branch", branch)
	}
	var resp struct {
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?%s", repo.Owner, repo.Name, query.Encode())
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("listing workflow runs in %s: %w", repo, err)
	}
	return resp.WorkflowRuns, nil
}

// LatestSuccessfulRun returns the newest run whose conclusion is success.
func (c *Client) LatestSuccessfulRun(ctx context.Context, repo Repo, branch string) (*WorkflowRun, error) {
	runs, err := c.ListRuns(ctx, repo, branch)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Conclusion == "success" {
			return &runs[i], nil
		}
	}
	return nil, ErrNoSuccessfulRun
}

// ListArtifacts returns the artifacts of one workflow run.
func (c *Client) ListArtifacts(ctx context.Context, repo Repo, runID int64) ([]Artifact, error) {
	var resp struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts", repo.Owner, repo.Name, runID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("listing artifacts of run %d in %s: %w", runID, repo, err)
	}
	return resp.Artifacts, nil
}

// DownloadArtifact returns the zip archive of one artifact. GitHub answers
// with a redirect to short-lived storage, which the http.Client follows.
func (c *Client) DownloadArtifact(ctx context.Context, repo Repo, artifactID int64) ([]byte, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/artifacts/%d/zip", repo.Owner, repo.Name, artifactID)
	resp, err := c.do(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("downloading artifact %d in %s: %w", artifactID, repo, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("downloading artifact %d in %s: %w", artifactID, repo, err)
	}
	if len(data) > maxArtifactSize {
		return nil, fmt.Errorf("downloading artifact %d in %s: larger than %d bytes", artifactID, repo, maxArtifactSize)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github: decoding response: %w", err)
	}
	return nil
}

// do issues an authenticated GET and returns the response on 2xx.
func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if err := auth.Authorize(ctx, req, c.token); err != nil {
		return nil, fmt.Errorf("github: credential: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}
	c.logger.Debug("github request", "path", path, "status", resp.StatusCode)
	return resp, nil
}

func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var payload struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
