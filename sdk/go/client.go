package runrelaysdk

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
)

// Client is a minimal Runrelay HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout must cover the server's correlation window; a trigger call blocks while
	// the run is looked up.
	Timeout time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

// Run is the workflow run a trigger was correlated with.
type Run struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	HTMLURL   string    `json:"html_url"`
	Status    string    `json:"status"`
}

// TriggerResult is the success body of a trigger call. When no run was matched,
// pass DispatchedAt to Runs to look again later.
type TriggerResult struct {
	Message           string    `json:"message"`
	Triggered         bool      `json:"triggered"`
	CorrelationStatus string    `json:"correlation_status"`
	Diagnostic        string    `json:"diagnostic,omitempty"`
	DispatchedAt      time.Time `json:"dispatched_at"`
	Run               *Run      `json:"run"`
}

// Lookup is the body of a run lookup.
type Lookup struct {
	CorrelationStatus string `json:"correlation_status"`
	Diagnostic        string `json:"diagnostic,omitempty"`
	Run               *Run   `json:"run"`
}

// APIError wraps non-2xx responses. Message and Details come from the error envelope
// when the body is one.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		if e.Details != "" {
			return fmt.Sprintf("api error: status=%d %s: %s", e.StatusCode, e.Message, e.Details)
		}
		return fmt.Sprintf("api error: status=%d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TriggerRequest is one submission. Email, when set, subscribes the address to the run.
type TriggerRequest struct {
	Inputs map[string]any
	Email  string
	// Base64 sends the body base64 encoded, as form posts from some hosts arrive.
	Base64 bool
}

// Trigger dispatches the workflow and returns what correlation found.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	doc := map[string]any{"inputs": req.Inputs}
	if req.Email != "" {
		doc["email"] = req.Email
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return TriggerResult{}, err
	}
	headers := map[string]string{"X-Payload-Encoding": "json"}
	if req.Base64 {
		raw = []byte(base64.StdEncoding.EncodeToString(raw))
		headers["X-Payload-Encoding"] = "base64"
		headers["Content-Type"] = "text/plain"
	}
	var resp TriggerResult
	err = c.do(ctx, http.MethodPost, "api/trigger-workflow", raw, headers, &resp)
	return resp, err
}

// Runs repeats the run lookup for a dispatch made at since. Branch may be empty.
func (c *Client) Runs(ctx context.Context, since time.Time, branch string) (Lookup, error) {
	params := url.Values{}
	params.Set("since", since.UTC().Format(time.RFC3339Nano))
	if branch != "" {
		params.Set("branch", branch)
	}
	var resp Lookup
	err := c.do(ctx, http.MethodGet, "api/runs?"+params.Encode(), nil, nil, &resp)
	return resp, err
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Message = envelope.Error
			apiErr.Details = envelope.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
