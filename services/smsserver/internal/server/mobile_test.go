package server

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"smsinbox/services/smsserver/internal/app"
)

func TestRegisterRequiresServerKey(t *testing.T) {
	ts := newPrivateServer(t, "")
	resp, raw := ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/mobile/v1/device",
		header: map[string]string{"ServerKey": "wrong"},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, raw)["message"]; got != "Unauthorized" {
		t.Fatalf("message = %q", got)
	}

	// The bearer form is accepted too, and the body is optional.
	resp, raw = ts.do(t, request{method: http.MethodPost, path: "/api/mobile/v1/device", header: bearer(testPrivateToken)})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bearer registration status = %d body=%s", resp.StatusCode, raw)
	}
	reg := decode[app.Registration](t, raw)
	if reg.ID == "" || reg.Token == "" || reg.Login == "" || reg.Password == "" {
		t.Fatalf("incomplete registration: %+v", reg)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("registration Cache-Control = %q, want no-store", cc)
	}
}

func TestDeviceInfoUsesSoftAuth(t *testing.T) {
	ts := newPrivateServer(t, "")
	resp, raw := ts.do(t, request{
		method: http.MethodGet,
		path:   "/api/mobile/v1/device",
		header: map[string]string{"Authorization": "Bearer stale", "X-Forwarded-For": "203.0.113.9"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	info := decode[map[string]any](t, raw)
	if info["device"] != nil || info["externalIP"] != "203.0.113.9" {
		t.Fatalf("unexpected anonymous info: %s", raw)
	}

	reg := ts.register(t, map[string]string{"name": "Pixel"})
	_, raw = ts.do(t, request{method: http.MethodGet, path: "/api/mobile/v1/device", header: bearer(reg.Token)})
	got := decode[struct {
		Device *deviceInfo `json:"device"`
	}](t, raw)
	if got.Device == nil || got.Device.ID != reg.ID || got.Device.Name != "Pixel" {
		t.Fatalf("unexpected device info: %s", raw)
	}
}

func TestDeviceUpdate(t *testing.T) {
	ts := newPrivateServer(t, "")
	reg := ts.register(t, nil)
	if resp, _ := ts.do(t, request{method: http.MethodPatch, path: "/api/mobile/v1/device", body: `{}`}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated patch status = %d", resp.StatusCode)
	}
	resp, raw := ts.do(t, request{method: http.MethodPatch, path: "/api/mobile/v1/device", body: "nope", header: bearer(reg.Token)})
	if resp.StatusCode != http.StatusBadRequest || decode[map[string]string](t, raw)["message"] != "Invalid JSON" {
		t.Fatalf("bad body status = %d body=%s", resp.StatusCode, raw)
	}
	resp, raw = ts.do(t, request{
		method: http.MethodPatch,
		path:   "/api/mobile/v1/device",
		body:   map[string]string{"name": "renamed", "pushToken": "fcm-1"},
		header: bearer(reg.Token),
	})
	if resp.StatusCode != http.StatusOK || decode[deviceInfo](t, raw).Name != "renamed" {
		t.Fatalf("update status = %d body=%s", resp.StatusCode, raw)
	}
	device, ok, err := ts.store.GetDevice(reg.ID)
	if err != nil || !ok || device.PushToken != "fcm-1" {
		t.Fatalf("push token not stored: %+v ok=%v err=%v", device, ok, err)
	}
}

func TestSendQueuePollAndReport(t *testing.T) {
	ts := newPrivateServer(t, "")
	reg := ts.register(t, map[string]string{"pushToken": "fcm-1"})
	creds := [2]string{reg.Login, reg.Password}

	resp, raw := ts.do(t, request{
		method: http.MethodPost,
		path:   "/3rdparty/v1/messages",
		body:   map[string]any{"textMessage": map[string]string{"text": "hello"}, "phoneNumbers": []string{"+2", "+1"}},
		basic:  creds,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d body=%s", resp.StatusCode, raw)
	}
	sent := decode[messageState](t, raw)
	if len(sent.Recipients) != 2 || sent.State != "Pending" || sent.IsHashed {
		t.Fatalf("unexpected send response: %s", raw)
	}
	for _, r := range sent.Recipients {
		if r.State != "Pending" {
			t.Fatalf("recipient %s state = %s", r.PhoneNumber, r.State)
		}
	}

	resp, raw = ts.do(t, request{method: http.MethodGet, path: "/api/mobile/v1/message", header: bearer(reg.Token)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	queue := decode[[]mobileMessage](t, raw)
	if len(queue) != 1 || queue[0].ID != sent.ID || queue[0].Message != "hello" {
		t.Fatalf("unexpected queue: %s", raw)
	}
	if got := queue[0].PhoneNumbers; len(got) != 2 || got[0] != "+2" || got[1] != "+1" {
		t.Fatalf("phone order not preserved: %v", got)
	}
	if resp, _ := ts.do(t, request{method: http.MethodGet, path: "/api/mobile/v1/message"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated poll status = %d", resp.StatusCode)
	}

	resp, raw = ts.do(t, request{method: http.MethodPatch, path: "/api/mobile/v1/message", header: bearer(reg.Token), body: []map[string]any{
		{"id": sent.ID, "state": "Sent", "recipients": []map[string]string{{"phoneNumber": "+2", "state": "Sent"}}},
		{"id": "does-not-exist", "state": "Sent"},
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d body=%s", resp.StatusCode, raw)
	}
	if got := decode[map[string]int](t, raw)["updated"]; got != 2 {
		t.Fatalf("updated = %d", got)
	}

	_, raw = ts.do(t, request{method: http.MethodGet, path: "/3rdparty/v1/messages/" + sent.ID, basic: creds})
	state := decode[messageState](t, raw)
	if state.State != "Sent" {
		t.Fatalf("message state = %s", state.State)
	}
	for _, r := range state.Recipients {
		want := "Pending"
		if r.PhoneNumber == "+2" {
			want = "Sent"
		}
		if string(r.State) != want {
			t.Fatalf("recipient %s state = %s, want %s", r.PhoneNumber, r.State, want)
		}
	}

	resp, raw = ts.do(t, request{method: http.MethodPatch, path: "/api/mobile/v1/message", header: bearer(reg.Token), body: `{"id":"x"}`})
	if resp.StatusCode != http.StatusBadRequest || decode[map[string]string](t, raw)["message"] != "Expected array of state updates" {
		t.Fatalf("non-array status = %d body=%s", resp.StatusCode, raw)
	}
	resp, _ = ts.do(t, request{method: http.MethodPatch, path: "/api/mobile/v1/message", header: bearer(reg.Token), body: `[{"id":"x","state":"Lost"}]`})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown state status = %d", resp.StatusCode)
	}

	ts.notifier.Close()
	ts.push.mu.Lock()
	defer ts.push.mu.Unlock()
	if len(ts.push.tokens) != 1 || !strings.HasPrefix(ts.push.tokens[0], "fcm-1|") {
		t.Fatalf("unexpected pushes: %v", ts.push.tokens)
	}
}

func TestSendWithoutRegistrationIsBadGateway(t *testing.T) {
	ts := newPrivateServer(t, "")
	resp, _ := ts.do(t, request{method: http.MethodPost, path: "/send", body: map[string]any{"phone": "+1", "text": "hi"}})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMobileWebhooksAndSettings(t *testing.T) {
	ts := newPrivateServer(t, "sign-key")
	reg := ts.register(t, nil)
	resp, _ := ts.do(t, request{
		method: http.MethodPost,
		path:   "/3rdparty/v1/webhooks",
		body:   map[string]string{"url": "https://hooks.example/in", "event": "sms:received"},
		basic:  [2]string{reg.Login, reg.Password},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create webhook status = %d", resp.StatusCode)
	}
	_, raw := ts.do(t, request{method: http.MethodGet, path: "/api/mobile/v1/webhooks", header: bearer(reg.Token)})
	hooks := decode[[]webhookView](t, raw)
	if len(hooks) != 2 || hooks[0].ID != "self" || hooks[0].URL != "https://sms.example.com/webhook" || hooks[1].URL != "https://hooks.example/in" {
		t.Fatalf("unexpected hooks: %s", raw)
	}
	_, raw = ts.do(t, request{method: http.MethodGet, path: "/api/mobile/v1/settings", header: bearer(reg.Token)})
	settings := decode[app.DeviceSettings](t, raw)
	if settings.Webhooks.SigningKey != "sign-key" || settings.Webhooks.RetryCount != 3 || settings.Ping.IntervalSeconds != 30 {
		t.Fatalf("unexpected settings: %s", raw)
	}
}

func TestEventsStreamDeliversWakeUps(t *testing.T) {
	ts := newPrivateServer(t, "", func(c *Config) { c.Heartbeat = 50 * time.Millisecond })
	reg := ts.register(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/mobile/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("stream Cache-Control = %q", cc)
	}

	lines := bufio.NewScanner(resp.Body)
	expect := func(want string) {
		t.Helper()
		for lines.Scan() {
			if lines.Text() == want {
				return
			}
		}
		t.Fatalf("stream ended before %q: %v", want, lines.Err())
	}
	expect("event: ping")

	if ts.events.ListenerCount(reg.ID) != 1 {
		t.Fatalf("expected one listener")
	}
	if _, err := ts.app.SendGatewayMessage(context.Background(), app.GatewaySendInput{PhoneNumbers: []string{"+1"}, Text: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	expect("event: MessageEnqueued")

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for ts.events.ListenerCount(reg.ID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("listener not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ts := newPrivateServer(t, "", func(c *Config) {
		c.Redis = client
		c.RegisterRateLimitPerMinute = 1
	})

	ts.register(t, nil)
	resp, _ := ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/mobile/v1/device",
		header: map[string]string{"ServerKey": testPrivateToken},
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second registration status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q", got)
	}
}
