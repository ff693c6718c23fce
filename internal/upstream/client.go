package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	apiKeyHeader       = "X-Api-Key"
	managementSyncPath = "/management/sync"
	defaultTimeout     = 30 * time.Second
	maxErrorBodyBytes  = 512
)

var (
	errMissingBaseURL = errors.New("upstream base url is required")
	errMissingAPIKey  = errors.New("upstream api key is required")
	// ErrUnexpectedStatus marks a non-2xx answer from the management API.
	ErrUnexpectedStatus = errors.New("upstream returned unexpected status")
)

// ClientConfig describes how to reach the real-time server's management API.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the management sync endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, apiKey: cfg.APIKey, httpClient: httpClient}, nil
}

// FetchSyncPayloads pulls the full-sync payload of every active room.
// Each element keeps its original bytes so unknown fields survive ingestion.
func (c *Client) FetchSyncPayloads(ctx context.Context) ([]json.RawMessage, error) {
	response, err := c.do(ctx, http.MethodGet)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var payloads []json.RawMessage
	if err := json.NewDecoder(response.Body).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("decode sync payloads: %w", err)
	}
	return payloads, nil
}

// TriggerSync asks the upstream to push its own sync callbacks.
func (c *Client) TriggerSync(ctx context.Context) error {
	response, err := c.do(ctx, http.MethodPost)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

// do returns the response only for 2xx statuses; the caller closes the body.
func (c *Client) do(ctx context.Context, method string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+managementSyncPath, http.NoBody)
	if err != nil {
		return nil, err
	}
	request.Header.Set(apiKeyHeader, c.apiKey)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, managementSyncPath, err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		defer response.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("%w: %s %s: %d %s", ErrUnexpectedStatus, method, managementSyncPath, response.StatusCode, strings.TrimSpace(string(body)))
	}
	return response, nil
}
