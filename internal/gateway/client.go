// Package gateway is an HTTP client for the external payment gateway.
package gateway

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

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/config"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
)

// Client talks JSON to the gateway's intent API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client from configuration.
func New(cfg config.GatewayConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.StatusCode, e.Body)
}

type createIntentRequest struct {
	Amount   int64             `json:"amount"`
	Mode     model.PaymentMode `json:"mode"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type intentResponse struct {
	ID     string              `json:"id"`
	Status model.GatewayStatus `json:"status"`
}

type cancelResponse struct {
	Canceled bool `json:"canceled"`
}

// CreateIntent opens a new charge attempt and returns its id.
func (c *Client) CreateIntent(ctx context.Context, amount int64, mode model.PaymentMode, metadata map[string]string) (string, error) {
	var out intentResponse
	err := c.do(ctx, http.MethodPost, "/intents", createIntentRequest{Amount: amount, Mode: mode, Metadata: metadata}, &out)
	if err != nil {
		return "", fmt.Errorf("create intent: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create intent: gateway returned no id")
	}
	return out.ID, nil
}

// CancelIntent asks the gateway to cancel an intent. A refusal is reported as
// false with a nil error.
func (c *Client) CancelIntent(ctx context.Context, intentID string) (bool, error) {
	var out cancelResponse
	if err := c.do(ctx, http.MethodPost, "/intents/"+url.PathEscape(intentID)+"/cancel", nil, &out); err != nil {
		return false, fmt.Errorf("cancel intent %s: %w", intentID, err)
	}
	return out.Canceled, nil
}

// IsRetryable reports whether the intent is still waiting for payment.
func (c *Client) IsRetryable(ctx context.Context, intentID string) (bool, error) {
	var out intentResponse
	if err := c.do(ctx, http.MethodGet, "/intents/"+url.PathEscape(intentID), nil, &out); err != nil {
		return false, fmt.Errorf("get intent %s: %w", intentID, err)
	}
	return strings.EqualFold(string(out.Status), string(model.GatewayWaiting)), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
