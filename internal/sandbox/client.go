package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentforge/envsynth/internal/config"
)

// Executor runs generated code in an isolated sandbox and returns the
// captured output. A timeout or transport error is an execution failure for
// the attempt; the owning stage decides whether to retry.
//
// The sandbox is a shared external service. Per-call isolation is its
// contract to keep, not an assumption made here.
type Executor interface {
	Execute(ctx context.Context, code string) (*Result, error)
}

type Result struct {
	Status string     `json:"status"`
	Run    RunDetails `json:"run_result"`
	Error  string     `json:"error,omitempty"`
}

type RunDetails struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func (r *Result) Success() bool {
	return r.Status == "Success"
}

type HTTPClient struct {
	url      string
	language string
	client   *http.Client
}

func NewHTTPClient(cfg config.SandboxConfig) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		url:      cfg.URL,
		language: cfg.Language,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Execute(ctx context.Context, code string) (*Result, error) {
	payload, err := json.Marshal(map[string]string{
		"code":     code,
		"language": c.language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sandbox request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}

	return &result, nil
}

// WithCall appends a print of the invocation so the callable's return value
// is captured on stdout.
func WithCall(code, callStatement string) string {
	return fmt.Sprintf("%s\nprint(%s)", code, callStatement)
}
