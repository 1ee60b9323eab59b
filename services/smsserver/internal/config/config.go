package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	ModeProxy   = "proxy"
	ModePrivate = "private"

	PushImmediate = "immediate"
	PushDebounced = "debounced"

	DeliveryDirect = "direct"
	DeliveryQueue  = "queue"

	ArchiveNone  = ""
	ArchiveFile  = "file"
	ArchiveMinio = "minio"
)

const (
	defaultPort             = "3000"
	defaultDBPath           = "data/sms.db"
	defaultTenantID         = "primary"
	defaultPushURL          = "https://api.sms-gate.app/upstream/v1/push"
	defaultPushDebounce     = 5
	defaultHeartbeatSeconds = 30
	defaultAMQPExchange     = "smsinbox.events"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	DBPath            string   `yaml:"dbPath"`
	DatabaseURL       string   `yaml:"databaseURL"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	GatewayMode  string `yaml:"gatewayMode"`
	ASGEndpoint  string `yaml:"asgEndpoint"`
	ASGUsername  string `yaml:"asgUsername"`
	ASGPassword  string `yaml:"asgPassword"`
	PrivateToken string `yaml:"privateToken"`
	PublicURL    string `yaml:"publicURL"`
	TenantID     string `yaml:"tenantID"`

	WebhookSigningKey  string `yaml:"webhookSigningKey"`
	WebhookDelivery    string `yaml:"webhookDelivery"`
	WebhookConcurrency int    `yaml:"webhookConcurrency"` // queue workers only

	PushURL                string `yaml:"pushURL"`
	PushMode               string `yaml:"pushMode"`
	PushDebounceSeconds    int    `yaml:"pushDebounceSeconds"`
	EventsHeartbeatSeconds int    `yaml:"eventsHeartbeatSeconds"`

	RedisAddr                  string `yaml:"redisAddr"`
	RedisPassword              string `yaml:"redisPassword"`
	RegisterRateLimitPerMinute int    `yaml:"registerRateLimitPerMinute"`
	TokenRateLimitPerMinute    int    `yaml:"tokenRateLimitPerMinute"`

	JWTSecret string `yaml:"jwtSecret"`
	JWTTTL    string `yaml:"jwtTTL"`

	ArchiveBackend string `yaml:"archiveBackend"`
	ArchiveDir     string `yaml:"archiveDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`
}

// Load reads config from path (defaults to config.yaml). A missing file is
// allowed so the server can run from environment variables alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "SMS_SERVER_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DBPath, "SMS_DB_PATH")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	if v := os.Getenv("SMS_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	setString(&cfg.GatewayMode, "GATEWAY_MODE")
	setString(&cfg.ASGEndpoint, "ASG_ENDPOINT")
	setString(&cfg.ASGUsername, "ASG_USERNAME")
	setString(&cfg.ASGPassword, "ASG_PASSWORD")
	setString(&cfg.PrivateToken, "PRIVATE_TOKEN")
	setString(&cfg.PublicURL, "PUBLIC_URL")
	setString(&cfg.TenantID, "TENANT_ID")
	setString(&cfg.WebhookSigningKey, "WEBHOOK_SIGNING_KEY")
	setString(&cfg.WebhookDelivery, "WEBHOOK_DELIVERY")
	setInt(&cfg.WebhookConcurrency, "WEBHOOK_CONCURRENCY")
	setString(&cfg.PushURL, "PUSH_URL")
	setString(&cfg.PushMode, "PUSH_MODE")
	setInt(&cfg.PushDebounceSeconds, "PUSH_DEBOUNCE_SECONDS")
	setInt(&cfg.EventsHeartbeatSeconds, "EVENTS_HEARTBEAT_SECONDS")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RegisterRateLimitPerMinute, "SMS_REGISTER_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.TokenRateLimitPerMinute, "SMS_TOKEN_RATE_LIMIT_PER_MINUTE")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTTTL, "JWT_TTL")
	setString(&cfg.ArchiveBackend, "ARCHIVE_BACKEND")
	setString(&cfg.ArchiveDir, "ARCHIVE_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.AMQPExchange, "AMQP_EXCHANGE")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	cfg.GatewayMode = strings.ToLower(strings.TrimSpace(cfg.GatewayMode))
	if cfg.GatewayMode == "" {
		cfg.GatewayMode = ModeProxy
	}
	if cfg.TenantID == "" {
		cfg.TenantID = defaultTenantID
	}
	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
	cfg.ASGEndpoint = strings.TrimRight(strings.TrimSpace(cfg.ASGEndpoint), "/")
	if cfg.PushURL == "" {
		cfg.PushURL = defaultPushURL
	}
	cfg.PushMode = strings.ToLower(strings.TrimSpace(cfg.PushMode))
	if cfg.PushMode == "" {
		cfg.PushMode = PushDebounced
	}
	if cfg.PushDebounceSeconds <= 0 {
		cfg.PushDebounceSeconds = defaultPushDebounce
	}
	if cfg.EventsHeartbeatSeconds <= 0 {
		cfg.EventsHeartbeatSeconds = defaultHeartbeatSeconds
	}
	cfg.WebhookDelivery = strings.ToLower(strings.TrimSpace(cfg.WebhookDelivery))
	if cfg.WebhookDelivery == "" {
		cfg.WebhookDelivery = DeliveryDirect
	}
	if cfg.WebhookConcurrency <= 0 {
		cfg.WebhookConcurrency = 4
	}
	cfg.ArchiveBackend = strings.ToLower(strings.TrimSpace(cfg.ArchiveBackend))
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = defaultAMQPExchange
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or SMS_SERVER_PORT)")
	}
	switch cfg.GatewayMode {
	case ModeProxy:
		if cfg.ASGEndpoint == "" {
			return errors.New("config: asgEndpoint is required in proxy mode (set in config.yaml or ASG_ENDPOINT)")
		}
	case ModePrivate:
		if strings.TrimSpace(cfg.PrivateToken) == "" {
			return errors.New("config: privateToken is required in private mode (set in config.yaml or PRIVATE_TOKEN)")
		}
		if cfg.PublicURL == "" {
			return errors.New("config: publicURL is required in private mode (set in config.yaml or PUBLIC_URL)")
		}
	default:
		return fmt.Errorf("config: gatewayMode must be %q or %q, got %q", ModeProxy, ModePrivate, cfg.GatewayMode)
	}
	switch cfg.PushMode {
	case PushImmediate, PushDebounced:
	default:
		return fmt.Errorf("config: pushMode must be %q or %q, got %q", PushImmediate, PushDebounced, cfg.PushMode)
	}
	switch cfg.WebhookDelivery {
	case DeliveryDirect:
	case DeliveryQueue:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for queued webhook delivery")
		}
	default:
		return fmt.Errorf("config: webhookDelivery must be %q or %q, got %q", DeliveryDirect, DeliveryQueue, cfg.WebhookDelivery)
	}
	switch cfg.ArchiveBackend {
	case ArchiveNone:
	case ArchiveFile:
		if strings.TrimSpace(cfg.ArchiveDir) == "" {
			return errors.New("config: archiveDir is required for the file archive")
		}
	case ArchiveMinio:
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio archive")
		}
	default:
		return fmt.Errorf("config: archiveBackend must be empty, %q or %q, got %q", ArchiveFile, ArchiveMinio, cfg.ArchiveBackend)
	}
	if cfg.RegisterRateLimitPerMinute < 0 || cfg.TokenRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if _, err := ParseJWTTTL(cfg.JWTTTL); err != nil {
		return err
	}
	return nil
}

// PushDebounce returns the debounce window for push notifications.
func (c FileConfig) PushDebounce() time.Duration {
	return time.Duration(c.PushDebounceSeconds) * time.Second
}

// EventsHeartbeat returns the keep-alive interval for live connections.
func (c FileConfig) EventsHeartbeat() time.Duration {
	return time.Duration(c.EventsHeartbeatSeconds) * time.Second
}

// ParseJWTTTL parses the optional third-party token lifetime.
func ParseJWTTTL(ttl string) (time.Duration, error) {
	if strings.TrimSpace(ttl) == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(ttl))
	if err != nil {
		return 0, fmt.Errorf("invalid jwtTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("invalid jwtTTL duration: must be positive")
	}
	return dur, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
