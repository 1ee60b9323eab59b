package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"SMS_SERVER_PORT", "LOG_LEVEL", "SMS_DB_PATH", "DATABASE_URL", "SMS_TRUSTED_PROXY_CIDRS",
	"GATEWAY_MODE", "ASG_ENDPOINT", "ASG_USERNAME", "ASG_PASSWORD", "PRIVATE_TOKEN",
	"PUBLIC_URL", "TENANT_ID", "WEBHOOK_SIGNING_KEY", "WEBHOOK_DELIVERY", "WEBHOOK_CONCURRENCY",
	"PUSH_URL", "PUSH_MODE", "PUSH_DEBOUNCE_SECONDS", "EVENTS_HEARTBEAT_SECONDS",
	"REDIS_ADDR", "REDIS_PASSWORD", "SMS_REGISTER_RATE_LIMIT_PER_MINUTE",
	"SMS_TOKEN_RATE_LIMIT_PER_MINUTE", "JWT_SECRET", "JWT_TTL", "ARCHIVE_BACKEND",
	"ARCHIVE_DIR", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
	"MINIO_BUCKET", "MINIO_USE_SSL", "AMQP_URL", "AMQP_EXCHANGE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadPrivateModeFromFile(t *testing.T) {
	clearEnv(t)
	cfgPath := writeConfig(t, `
port: "8080"
gatewayMode: "private"
privateToken: "secret"
publicURL: "https://sms.example.com/"
pushMode: "immediate"
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "8080" || cfg.GatewayMode != ModePrivate {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.PublicURL != "https://sms.example.com" {
		t.Fatalf("publicURL = %q, want trailing slash trimmed", cfg.PublicURL)
	}
	if cfg.TenantID != "primary" || cfg.DBPath != "data/sms.db" {
		t.Fatalf("defaults not applied: tenant=%q db=%q", cfg.TenantID, cfg.DBPath)
	}
	if cfg.PushDebounce() != 5*time.Second || cfg.EventsHeartbeat() != 30*time.Second {
		t.Fatalf("unexpected durations: %v %v", cfg.PushDebounce(), cfg.EventsHeartbeat())
	}
	if cfg.WebhookDelivery != DeliveryDirect {
		t.Fatalf("webhookDelivery = %q", cfg.WebhookDelivery)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMS_SERVER_PORT", "9999")
	t.Setenv("GATEWAY_MODE", "PROXY")
	t.Setenv("ASG_ENDPOINT", "https://gw.example.com/")
	t.Setenv("ASG_USERNAME", "user")
	t.Setenv("ASG_PASSWORD", "pass")
	t.Setenv("PUSH_DEBOUNCE_SECONDS", "2")
	t.Setenv("SMS_TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 192.168.0.0/16")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9999" || cfg.GatewayMode != ModeProxy {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ASGEndpoint != "https://gw.example.com" || cfg.ASGUsername != "user" || cfg.ASGPassword != "pass" {
		t.Fatalf("unexpected proxy settings: %+v", cfg)
	}
	if cfg.PushDebounce() != 2*time.Second {
		t.Fatalf("pushDebounce = %v", cfg.PushDebounce())
	}
	if len(cfg.TrustedProxyCIDRs) != 2 || cfg.TrustedProxyCIDRs[1] != "192.168.0.0/16" {
		t.Fatalf("trustedProxyCidrs = %v", cfg.TrustedProxyCIDRs)
	}
	if !cfg.MinioUseSSL {
		t.Fatalf("expected minioUseSSL override")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "proxy without endpoint",
			content: `gatewayMode: "proxy"`,
			wantErr: "asgEndpoint is required",
		},
		{
			name:    "private without token",
			content: "gatewayMode: \"private\"\npublicURL: \"https://x\"",
			wantErr: "privateToken is required",
		},
		{
			name:    "private without public url",
			content: "gatewayMode: \"private\"\nprivateToken: \"t\"",
			wantErr: "publicURL is required",
		},
		{
			name:    "unknown mode",
			content: `gatewayMode: "edge"`,
			wantErr: "gatewayMode must be",
		},
		{
			name:    "bad push mode",
			content: "asgEndpoint: \"https://x\"\npushMode: \"sometimes\"",
			wantErr: "pushMode must be",
		},
		{
			name:    "queue without redis",
			content: "asgEndpoint: \"https://x\"\nwebhookDelivery: \"queue\"",
			wantErr: "redisAddr is required",
		},
		{
			name:    "file archive without dir",
			content: "asgEndpoint: \"https://x\"\narchiveBackend: \"file\"",
			wantErr: "archiveDir is required",
		},
		{
			name:    "negative rate limit",
			content: "asgEndpoint: \"https://x\"\nregisterRateLimitPerMinute: -1",
			wantErr: "rate limits",
		},
		{
			name:    "bad jwt ttl",
			content: "asgEndpoint: \"https://x\"\njwtTTL: \"soon\"",
			wantErr: "jwtTTL",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeConfig(t, "port: [unclosed")); err == nil {
		t.Fatalf("expected parse error")
	}
}
