// Package githost is a thin typed client for the GitHub REST API, covering
// the handful of endpoints draft-fix generation needs: branch heads, refs,
// file contents, draft pull requests, and labels.
package githost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"triagent/internal/logging"
)

const (
	defaultBaseURL   = "https://api.github.com"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
	requestAttempts  = 3
)

// Client talks to one GitHub-compatible API host. Methods take the target
// repository as "owner/name" so a single client can serve any repository the
// token can reach.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	backoff    func(attempt int) time.Duration
	log        *logging.Logger
}

// New builds a client. An empty baseURL targets github.com; an empty token
// leaves the client unauthenticated, which Available reports so callers can
// skip write operations.
func New(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
		log: logging.Get(logging.CategoryDraftFix),
	}
}

// Available reports whether the client holds a token and can perform
// authenticated operations.
func (c *Client) Available() bool {
	return c != nil && c.token != ""
}

// RepoFromURL extracts "owner/name" from a repository URL such as
// https://github.com/owner/name.
func RepoFromURL(repositoryURL string) (string, error) {
	trimmed := strings.TrimSuffix(repositoryURL, "/")
	trimmed = strings.TrimPrefix(trimmed, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "http://github.com/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid repository URL format: %s", repositoryURL)
	}
	return parts[0] + "/" + parts[1], nil
}

// Repo is the subset of repository metadata the pipeline uses.
type Repo struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

// GetRepo fetches repository metadata, primarily the default branch.
func (c *Client) GetRepo(ctx context.Context, repo string) (*Repo, error) {
	var out Repo
	if err := c.do(ctx, http.MethodGet, "/repos/"+repo, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBranchHead returns the commit SHA at the tip of a branch.
func (c *Client) GetBranchHead(ctx context.Context, repo, branch string) (string, error) {
	var out struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	path := fmt.Sprintf("/repos/%s/branches/%s", repo, url.PathEscape(branch))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.Commit.SHA == "" {
		return "", fmt.Errorf("branch %s has no head commit", branch)
	}
	return out.Commit.SHA, nil
}

// CreateBranch creates refs/heads/<branch> pointing at fromSHA.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, fromSHA string) error {
	payload := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": fromSHA,
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", repo), payload, nil)
}

// FileContent is a decoded repository file plus the blob SHA needed to
// update it.
type FileContent struct {
	Path    string
	SHA     string
	Content string
}

// GetFile fetches and decodes one file. ref may be empty for the default
// branch.
func (c *Client) GetFile(ctx context.Context, repo, filePath, ref string) (*FileContent, error) {
	var out struct {
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	path := fmt.Sprintf("/repos/%s/contents/%s", repo, escapePath(filePath))
	if ref != "" {
		path += "?ref=" + url.QueryEscape(ref)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Type != "" && out.Type != "file" {
		return nil, fmt.Errorf("%s is a %s, not a file", filePath, out.Type)
	}
	if out.Encoding != "base64" {
		return nil, fmt.Errorf("unexpected encoding %q for %s", out.Encoding, filePath)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode content of %s: %w", filePath, err)
	}
	return &FileContent{Path: out.Path, SHA: out.SHA, Content: string(decoded)}, nil
}

// UpdateFile commits new content for an existing file on a branch. sha is
// the current blob SHA from GetFile.
func (c *Client) UpdateFile(ctx context.Context, repo, filePath, branch, message, content, sha string) error {
	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"sha":     sha,
		"branch":  branch,
	}
	path := fmt.Sprintf("/repos/%s/contents/%s", repo, escapePath(filePath))
	return c.do(ctx, http.MethodPut, path, payload, nil)
}

// PullRequest is the subset of the create-pull response the pipeline keeps.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// CreateDraftPull opens a draft pull request from head into base.
func (c *Client) CreateDraftPull(ctx context.Context, repo, title, body, head, base string) (*PullRequest, error) {
	payload := map[string]any{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
		"draft": true,
	}
	var out PullRequest
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repo), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddLabels attaches labels to a pull request or issue by number.
func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	payload := map[string][]string{"labels": labels}
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// do issues one API call, retrying transport failures, 429s and 5xx
// responses with exponential backoff. Other error statuses fail immediately.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < requestAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt-1)); err != nil {
				return lastErr
			}
		}

		status, respBody, err := c.roundTrip(ctx, method, path, data)
		if err != nil {
			lastErr = err
			c.log.Warn("GitHub API %s %s attempt %d/%d failed: %v", method, path, attempt+1, requestAttempts, err)
			continue
		}
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("%s %s returned %d: %s", method, path, status, apiMessage(respBody))
			c.log.Warn("GitHub API %s %s returned %d (attempt %d/%d)", method, path, status, attempt+1, requestAttempts)
			continue
		}
		if status < 200 || status >= 300 {
			c.log.Warn("GitHub API %s %s returned %d", method, path, status)
			return fmt.Errorf("%s %s returned %d: %s", method, path, status, apiMessage(respBody))
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

// roundTrip performs a single request and returns the status code and body.
func (c *Client) roundTrip(ctx context.Context, method, path string, data []byte) (int, []byte, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "triagent/1.0")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// apiMessage extracts the error message GitHub embeds in failure bodies,
// falling back to a truncated raw body.
func apiMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// escapePath escapes each path segment while keeping separators intact, as
// the contents API addresses files by slash-separated path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
