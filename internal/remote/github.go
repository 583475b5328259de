// Package remote talks to the GitHub Actions REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"runrelay/internal/domain"
)

const (
	apiVersion      = "2022-11-28"
	acceptHeader    = "application/vnd.github+json"
	defaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 4096
)

// Client issues workflow dispatches and lists workflow runs for one repository.
type Client struct {
	BaseURL    string
	Owner      string
	Repo       string
	HTTPClient *http.Client
	UserAgent  string
}

// New returns a client authenticated by ts. A nil ts yields an unauthenticated client.
func New(baseURL, owner, repo string, ts oauth2.TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	if ts != nil {
		httpClient = oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = timeout
	}
	return &Client{
		BaseURL:    baseURL,
		Owner:      owner,
		Repo:       repo,
		HTTPClient: httpClient,
		UserAgent:  "runrelay",
	}
}

// APIError wraps non-2xx responses. Message is GitHub's diagnostic, verbatim.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github api: status=%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github api: status=%d", e.StatusCode)
}

// DispatchInput is the body of a workflow_dispatch trigger.
type DispatchInput struct {
	Workflow string
	Ref      string
	Inputs   map[string]string
}

// Dispatch triggers the workflow. GitHub answers 204 with no run identity.
func (c *Client) Dispatch(ctx context.Context, in DispatchInput) error {
	body := struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs,omitempty"`
	}{Ref: in.Ref, Inputs: in.Inputs}
	return c.do(ctx, http.MethodPost, c.workflowPath(in.Workflow, "dispatches"), body, nil)
}

// ListQuery selects the most recent runs of a workflow.
type ListQuery struct {
	Workflow string
	Branch   string
	Event    string
	PerPage  int
}

type workflowRun struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Conclusion *string   `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
	HTMLURL    string    `json:"html_url"`
	HeadBranch string    `json:"head_branch"`
}

// ListRuns returns runs most-recent-first as reported by GitHub.
func (c *Client) ListRuns(ctx context.Context, q ListQuery) ([]domain.RemoteRun, error) {
	params := url.Values{}
	if q.Branch != "" {
		params.Set("branch", q.Branch)
	}
	if q.Event != "" {
		params.Set("event", q.Event)
	}
	if q.PerPage > 0 {
		params.Set("per_page", strconv.Itoa(q.PerPage))
	}
	endpoint := c.workflowPath(q.Workflow, "runs")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		TotalCount   int           `json:"total_count"`
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	runs := make([]domain.RemoteRun, 0, len(resp.WorkflowRuns))
	for _, r := range resp.WorkflowRuns {
		runs = append(runs, domain.RemoteRun{
			ID:        r.ID,
			CreatedAt: r.CreatedAt.UTC(),
			Status:    mapStatus(r.Status, r.Conclusion),
			HTMLURL:   r.HTMLURL,
			Branch:    r.HeadBranch,
		})
	}
	return runs, nil
}

func mapStatus(status string, conclusion *string) domain.RunStatus {
	switch status {
	case "queued", "requested", "waiting", "pending":
		return domain.RunQueued
	case "in_progress":
		return domain.RunInProgress
	case "completed":
		if conclusion == nil {
			return domain.RunUnknown
		}
		switch *conclusion {
		case "success", "neutral", "skipped":
			return domain.RunCompleted
		default:
			return domain.RunFailed
		}
	default:
		return domain.RunUnknown
	}
}

func (c *Client) workflowPath(workflow, suffix string) string {
	return fmt.Sprintf("repos/%s/%s/actions/workflows/%s/%s",
		url.PathEscape(c.Owner), url.PathEscape(c.Repo), url.PathEscape(workflow), suffix)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Message != "" {
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = apiErr.Body
	}
	return apiErr
}
