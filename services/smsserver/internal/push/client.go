package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultURL is the public upstream push relay.
const DefaultURL = "https://api.sms-gate.app/upstream/v1/push"

// EventMessageEnqueued asks the device to poll for new outbound messages.
const EventMessageEnqueued = "PushMessageEnqueued"

// Sender delivers one push to a device push token.
type Sender interface {
	Send(ctx context.Context, token, event string, data map[string]any) error
}

// Client calls the upstream push relay over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
}

// RelayError is a non-2xx response from the relay.
type RelayError struct {
	Status int
	Body   string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("push relay error %d: %s", e.Status, e.Body)
}

type payload struct {
	Token string         `json:"token"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// NewClient constructs a relay client. An empty url uses DefaultURL.
func NewClient(url string, timeout time.Duration) *Client {
	url = strings.TrimSpace(url)
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send posts a single push. The relay accepts a batch, so the body is a
// one-element array.
func (c *Client) Send(ctx context.Context, token, event string, data map[string]any) error {
	body, err := json.Marshal([]payload{{Token: token, Event: event, Data: data}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &RelayError{Status: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
