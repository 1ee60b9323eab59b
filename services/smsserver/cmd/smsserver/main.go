package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"smsinbox/internal/apitoken"
	"smsinbox/internal/util"
	"smsinbox/pkg/broker"
	"smsinbox/pkg/queue"
	"smsinbox/pkg/storage"
	"smsinbox/pkg/store"
	"smsinbox/services/smsserver/internal/app"
	"smsinbox/services/smsserver/internal/config"
	"smsinbox/services/smsserver/internal/events"
	"smsinbox/services/smsserver/internal/gateway"
	"smsinbox/services/smsserver/internal/push"
	"smsinbox/services/smsserver/internal/server"
	"smsinbox/services/smsserver/internal/webhooks"
)

const outboundTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = cfg.DBPath
	}
	st, err := store.NewGormStore(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	signingKey := cfg.WebhookSigningKey
	if signingKey == "" {
		signingKey = util.NewToken()
		slog.Info("generated webhook signing key", "key_prefix", signingKey[:8])
	}
	poster := webhooks.NewPoster(webhooks.NewSigner(signingKey), outboundTimeout)

	var dispatcher webhooks.Dispatcher
	switch cfg.WebhookDelivery {
	case config.DeliveryQueue:
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client:     rdb,
			Stream:     "smsinbox:webhooks",
			Group:      "smsserver",
			MaxRetries: 3,
			RetryDelay: 10 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init webhook queue: %w", err)
		}
		qd := webhooks.NewQueueDispatcher(q, poster)
		qd.Start(ctx, cfg.WebhookConcurrency)
		dispatcher = qd
	default:
		dispatcher = webhooks.NewDirectDispatcher(poster)
	}

	archive, err := newArchive(cfg)
	if err != nil {
		return err
	}

	var publisher broker.Publisher = broker.NoopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPub, err := broker.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("init amqp publisher: %w", err)
		}
		publisher = amqpPub
	}
	defer publisher.Close()

	var (
		gw       gateway.Gateway
		registry *events.Registry
		notifier push.Notifier
	)
	if cfg.GatewayMode == config.ModePrivate {
		registry = events.NewRegistry(0)
		sender := push.NewClient(cfg.PushURL, outboundTimeout)
		if cfg.PushMode == config.PushImmediate {
			notifier = push.NewImmediate(sender)
		} else {
			notifier = push.NewDebouncer(sender, cfg.PushDebounce())
		}
		defer notifier.Close()
		gw = gateway.NewPrivateGateway(st, registry, notifier, cfg.TenantID)
	} else {
		gw = gateway.NewProxyGateway(cfg.ASGEndpoint, cfg.ASGUsername, cfg.ASGPassword, outboundTimeout)
	}

	appCore, err := app.New(app.Config{
		Store:      st,
		Gateway:    gw,
		Dispatcher: dispatcher,
		Archive:    archive,
		Broker:     publisher,
		TenantID:   cfg.TenantID,
		PublicURL:  cfg.PublicURL,
		SigningKey: signingKey,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	tokens, err := newTokenIssuer(cfg, rdb)
	if err != nil {
		return err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		PrivateMode:                cfg.GatewayMode == config.ModePrivate,
		PrivateToken:               cfg.PrivateToken,
		Events:                     registry,
		Heartbeat:                  cfg.EventsHeartbeat(),
		Tokens:                     tokens,
		Redis:                      rdb,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		TokenRateLimitPerMinute:    cfg.TokenRateLimitPerMinute,
		TrustedProxies:             trusted,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /api/mobile/v1/events is a long-lived stream
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sms server listening", "addr", addr, "mode", cfg.GatewayMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	appCore.Wait()
	return nil
}

func newArchive(cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.ArchiveBackend {
	case config.ArchiveFile:
		fs, err := storage.NewFileStore(cfg.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("init file archive: %w", err)
		}
		return fs, nil
	case config.ArchiveMinio:
		ms, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init minio archive: %w", err)
		}
		return ms, nil
	default:
		return nil, nil
	}
}

func newTokenIssuer(cfg config.FileConfig, rdb redis.UniversalClient) (*apitoken.Issuer, error) {
	ttl, err := config.ParseJWTTTL(cfg.JWTTTL)
	if err != nil {
		return nil, err
	}
	secret := cfg.JWTSecret
	if secret == "" {
		secret = util.NewToken()
		slog.Warn("jwtSecret not set; third-party bearer tokens reset on restart")
	}
	var revoker apitoken.Revoker = apitoken.NewMemoryRevoker()
	if rdb != nil {
		revoker = apitoken.NewRedisRevoker(rdb, "smsinbox:revoked")
	}
	tokens, err := apitoken.New(apitoken.Options{Secret: secret, TTL: ttl, Revoker: revoker})
	if err != nil {
		return nil, fmt.Errorf("init api tokens: %w", err)
	}
	return tokens, nil
}
