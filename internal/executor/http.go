package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ankittk/stagehand/pkg/models"
)

// HTTPInvoker posts each request to a stage-runner service and decodes the
// result. Transport failures and non-200 responses come back as errors so
// the executor applies its single retry; logical stage failures arrive in
// the decoded result. cmd/stagehand-runner ships a reference runner.
type HTTPInvoker struct {
	BaseURL string
	APIKey  string       // sent as X-API-Key when set
	Client  *http.Client // nil uses a client with a 5 minute timeout
}

func (HTTPInvoker) Name() string { return "http" }

func (h HTTPInvoker) Invoke(ctx context.Context, req models.InvokeRequest, _ func(Event)) (models.InvokeResult, error) {
	if h.BaseURL == "" {
		return models.InvokeResult{}, errors.New("http invoker base URL is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return models.InvokeResult{}, err
	}
	url := strings.TrimRight(h.BaseURL, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.InvokeResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		httpReq.Header.Set("X-API-Key", h.APIKey)
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return models.InvokeResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.InvokeResult{}, fmt.Errorf("stage runner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var res models.InvokeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.InvokeResult{}, fmt.Errorf("decode stage runner response: %w", err)
	}
	return res, nil
}
