package app

import (
	"context"
	"errors"
	"testing"

	"smsinbox/pkg/domain"
)

func TestAuthenticateUserRejectsBadCredentials(t *testing.T) {
	env := newTestApp(t)
	reg, err := env.app.RegisterDevice(context.Background(), "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	cases := [][2]string{
		{"", ""},
		{reg.Login, "wrong"},
		{"unknown", reg.Password},
	}
	for _, c := range cases {
		if _, err := env.app.AuthenticateUser(c[0], c[1]); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("login %q: expected unauthorized, got %v", c[0], err)
		}
	}
	if _, err := env.app.GetUser("missing"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown user, got %v", err)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	env := newTestApp(t)
	if _, err := env.app.CreateWebhook("primary", WebhookInput{Event: domain.EventSMSReceived}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.app.CreateWebhook("primary", WebhookInput{URL: "ftp://x", Event: domain.EventSMSReceived}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected scheme to be rejected, got %v", err)
	}
	hook, err := env.app.CreateWebhook("primary", WebhookInput{URL: "http://sub.example", Event: domain.EventSMSReceived})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.app.CreateWebhook("primary", WebhookInput{ID: hook.ID, URL: "http://other.example", Event: domain.EventSMSReceived}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected reused id to be rejected, got %v", err)
	}
	hooks, err := env.app.ListWebhooks("primary")
	if err != nil || len(hooks) != 1 {
		t.Fatalf("list: %d err=%v", len(hooks), err)
	}
	if err := env.app.DeleteWebhook("other", hook.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if err := env.app.DeleteWebhook("primary", hook.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.app.DeleteWebhook("primary", hook.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to miss, got %v", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	env := newTestApp(t)
	reg, err := env.app.RegisterDevice(context.Background(), "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.app.DeleteDevice("primary", reg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.app.DeleteDevice("primary", reg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok, _ := env.app.AuthenticateDevice(reg.Token); ok {
		t.Fatalf("deleted device token must stop working")
	}
}

func TestListGatewayMessagesRejectsUnknownState(t *testing.T) {
	env := newTestApp(t)
	if _, err := env.app.ListGatewayMessages("primary", "Nope", 0, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	msgs, err := env.app.ListGatewayMessages("primary", "", 0, 0)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("list: %v err=%v", msgs, err)
	}
}
