// Package alertclient calls the external operational alerting service that
// receives system_error discrepancies. The engine never blocks on it; the
// notification worker forwards asynchronously.
package alertclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Alert is one operational alert payload.
type Alert struct {
	Source    string    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
	StudentID string    `json:"student_id,omitempty"`
	Flag      string    `json:"flag"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Client calls the alerting service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, sends become no-ops (dev mode, no
// alerting service running).
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Health checks service availability.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alert service unhealthy: %s", resp.Status)
	}
	return nil
}

// Send posts one alert.
func (c *Client) Send(ctx context.Context, a Alert) error {
	if c.Skip {
		return nil
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/alerts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alert service returned %s: %s", resp.Status, msg)
	}
	return nil
}
