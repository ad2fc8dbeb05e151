// Package client provides a Go SDK for the Stagehand HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ankittk/stagehand/pkg/models"
)

// Client calls the Stagehand HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3560"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3560").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/version", nil, &out)
	return out.Version, err
}

// Config returns the /config response.
func (c *Client) Config(ctx context.Context) (*models.Config, error) {
	var out models.Config
	err := c.doJSON(ctx, http.MethodGet, "/config", nil, &out)
	return &out, err
}

// CreateRunRequest is the POST /runs body.
type CreateRunRequest struct {
	Scope   map[string]string `json:"scope"`
	Policy  string            `json:"policy,omitempty"`
	LoopCap int               `json:"loop_cap,omitempty"`
}

// CreateRun creates a run and returns it (status queued).
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/runs", req, &out)
	return &out, err
}

// ListRuns lists runs, newest first. Empty filter values mean no constraint;
// limit 0 uses the server default.
func (c *Client) ListRuns(ctx context.Context, status, policy string, limit int) ([]models.Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if policy != "" {
		q.Set("policy", policy)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Run
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetRun returns one run by ID.
func (c *Client) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &out)
	return &out, err
}

// GetRunSummary returns the run with its full ordered timeline.
func (c *Client) GetRunSummary(ctx context.Context, runID string) (*models.RunSummary, error) {
	var out models.RunSummary
	err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/summary", nil, &out)
	return &out, err
}

// ListExecutions returns the run's stage executions in seq order.
func (c *Client) ListExecutions(ctx context.Context, runID string) ([]models.StageExecution, error) {
	var out []models.StageExecution
	err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/executions", nil, &out)
	return out, err
}

// ListTransitions returns the run's loop transitions in seq order.
func (c *Client) ListTransitions(ctx context.Context, runID string) ([]models.LoopTransition, error) {
	var out []models.LoopTransition
	err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/transitions", nil, &out)
	return out, err
}

// ListApprovals returns the run's recorded approvals in seq order.
func (c *Client) ListApprovals(ctx context.Context, runID string) ([]models.Approval, error) {
	var out []models.Approval
	err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/approvals", nil, &out)
	return out, err
}

// ApprovalRequest is the POST /runs/{id}/approvals body. Stage defaults to
// Git and Decision to approve on the server.
type ApprovalRequest struct {
	Stage     string     `json:"stage,omitempty"`
	Decision  string     `json:"decision,omitempty"`
	Approver  string     `json:"approver"`
	Comment   string     `json:"comment,omitempty"`
	Override  bool       `json:"override,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RecordApproval records an approval decision for a run.
func (c *Client) RecordApproval(ctx context.Context, runID string, req ApprovalRequest) (*models.Approval, error) {
	var out models.Approval
	err := c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/approvals", req, &out)
	return &out, err
}

// Resume unblocks an operator-paused run.
func (c *Client) Resume(ctx context.Context, runID, operator, comment string) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/resume",
		map[string]string{"operator": operator, "comment": comment}, &out)
	return &out, err
}

// Cancel cancels a run; it fails with reason Cancelled at the next boundary.
func (c *Client) Cancel(ctx context.Context, runID, detail string) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel",
		map[string]string{"detail": detail}, &out)
	return &out, err
}

// Advance ticks a run by one stage execution. Useful when the daemon
// scheduler is not running.
func (c *Client) Advance(ctx context.Context, runID string) (*models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/advance",
		map[string]string{}, &out)
	return &out, err
}

// Contracts returns the active contract set.
func (c *Client) Contracts(ctx context.Context) (*models.ContractSet, error) {
	var out models.ContractSet
	err := c.doJSON(ctx, http.MethodGet, "/contracts", nil, &out)
	return &out, err
}

// ContractForStage returns one stage's contract and the active version.
func (c *Client) ContractForStage(ctx context.Context, stage string) (*models.StageContract, int, error) {
	var out struct {
		Version  int                  `json:"version"`
		Contract models.StageContract `json:"contract"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/contracts/"+url.PathEscape(stage), nil, &out)
	if err != nil {
		return nil, 0, err
	}
	return &out.Contract, out.Version, nil
}

// ReloadContracts re-reads contracts.yaml on the server and returns the
// active version afterwards.
func (c *Client) ReloadContracts(ctx context.Context) (int, error) {
	var out struct {
		Version int `json:"version"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/contracts/reload", map[string]string{}, &out)
	return out.Version, err
}

// Policies returns all registered routing policies.
func (c *Client) Policies(ctx context.Context) ([]models.RoutingPolicy, error) {
	var out []models.RoutingPolicy
	err := c.doJSON(ctx, http.MethodGet, "/policies", nil, &out)
	return out, err
}

// Policy returns one routing policy by name.
func (c *Client) Policy(ctx context.Context, name string) (*models.RoutingPolicy, error) {
	var out models.RoutingPolicy
	err := c.doJSON(ctx, http.MethodGet, "/policies/"+url.PathEscape(name), nil, &out)
	return &out, err
}
