package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProxyGateway forwards sends to a remote gateway server's third-party API
// with HTTP Basic credentials. The queue lives remotely, so ids are not
// tracked.
type ProxyGateway struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewProxyGateway constructs a proxy gateway.
func NewProxyGateway(endpoint, username, password string, timeout time.Duration) *ProxyGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProxyGateway{
		baseURL:    strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type proxyTextMessage struct {
	Text string `json:"text"`
}

type proxySendRequest struct {
	TextMessage        proxyTextMessage `json:"textMessage"`
	PhoneNumbers       []string         `json:"phoneNumbers"`
	SimNumber          int              `json:"simNumber"`
	WithDeliveryReport bool             `json:"withDeliveryReport,omitempty"`
	IsEncrypted        bool             `json:"isEncrypted,omitempty"`
	ValidUntil         *time.Time       `json:"validUntil,omitempty"`
}

// Send posts the message and treats any non-2xx response as a hard failure.
func (g *ProxyGateway) Send(ctx context.Context, req SendRequest) (string, error) {
	payload := proxySendRequest{
		TextMessage:        proxyTextMessage{Text: req.Text},
		PhoneNumbers:       req.PhoneNumbers,
		SimNumber:          simOrDefault(req.SimNumber),
		WithDeliveryReport: req.WithDeliveryReport,
		IsEncrypted:        req.IsEncrypted,
		ValidUntil:         req.ValidUntil,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/3rdparty/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(g.username, g.password)
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", &UpstreamError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return "", nil
}
