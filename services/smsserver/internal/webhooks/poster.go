package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Poster performs a single subscriber delivery.
type Poster struct {
	httpClient *http.Client
	signer     *Signer
}

// NewPoster builds a poster. signer may be nil.
func NewPoster(signer *Signer, timeout time.Duration) *Poster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Poster{
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
	}
}

// Post sends body to url. Non-2xx responses are errors.
func (p *Poster) Post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.signer.Enabled() {
		req.Header.Set(SignatureHeader, p.signer.Sign(body))
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
	return nil
}
