// Package runner implements the external workflow runner boundary as an
// n8n-style webhook client: each campaign workflow is invoked by POSTing to
// its webhook path.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campaignd/internal/dispatch"
	logx "campaignd/pkg/logx"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per-call HTTP timeout; the dispatcher applies its own execution timeout on top
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type runRequest struct {
	CampaignID  string `json:"campaign_id"`
	ExecutionID string `json:"execution_id"`
}

// Run invokes the workflow webhook and returns its JSON body as the result
// summary. 4xx responses (other than 408/429) are permanent and come back
// wrapped as dispatch.Fatal; 5xx and transport errors are transient and
// left retryable.
func (c *Client) Run(ctx context.Context, campaignID, executionID, workflowID string) (dispatch.ResultSummary, error) {
	if strings.TrimSpace(workflowID) == "" {
		return nil, dispatch.Fatal(fmt.Errorf("campaign %s has no workflow binding", campaignID))
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "webhook", workflowID)
	if err != nil {
		return nil, dispatch.Fatal(fmt.Errorf("runner: bad endpoint: %w", err))
	}

	body, err := json.Marshal(runRequest{CampaignID: campaignID, ExecutionID: executionID})
	if err != nil {
		return nil, dispatch.Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-N8N-API-KEY", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("runner: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var summary dispatch.ResultSummary
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &summary); err != nil {
				// Non-JSON success body: keep it, truncated, rather than fail the run.
				summary = dispatch.ResultSummary{"raw": truncate(string(raw), 512)}
			}
		}
		return summary, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("runner: workflow %s returned %d", workflowID, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, dispatch.Fatal(fmt.Errorf("runner: workflow %s rejected with %d: %s",
			workflowID, resp.StatusCode, truncate(string(raw), 256)))
	default:
		return nil, fmt.Errorf("runner: workflow %s returned %d", workflowID, resp.StatusCode)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
