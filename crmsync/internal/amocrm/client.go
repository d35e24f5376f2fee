// Package amocrm adapts amoCRM: it parses its webhook deliveries into
// inbound events and writes deals back through the v4 REST API.
package amocrm

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

	"github.com/onai-academy/platform/crmsync/internal/syncerr"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// ClientConfig configures the API client.
type ClientConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Dependency string        `mapstructure:"dependency"`
}

// Client calls the amoCRM leads API.
type Client struct {
	baseURL    string
	token      string
	dependency string
	http       *http.Client
}

// NewClient returns a client for the account at cfg.BaseURL.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Dependency == "" {
		cfg.Dependency = "amocrm"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		dependency: cfg.Dependency,
		http:       &http.Client{Timeout: cfg.Timeout},
	}
}

// UpdateEntity patches the lead with fields.
func (c *Client) UpdateEntity(ctx context.Context, id string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal lead update: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, id, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetEntity fetches the lead.
func (c *Client) GetEntity(ctx context.Context, id string) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var lead map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&lead); err != nil {
		return nil, fmt.Errorf("decode lead %s: %w", id, err)
	}
	return lead, nil
}

// do sends the request and turns non-2xx responses into UpstreamError.
func (c *Client) do(ctx context.Context, method, id string, body io.Reader) (*http.Response, error) {
	endpoint := c.baseURL + "/api/v4/leads/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.dependency, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s lead %s: %w", c.dependency, method, id, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &syncerr.UpstreamError{
			Dependency: c.dependency,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	return resp, nil
}
