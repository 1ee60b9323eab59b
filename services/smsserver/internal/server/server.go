package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"smsinbox/internal/apitoken"
	"smsinbox/internal/ratelimit"
	"smsinbox/internal/util"
	"smsinbox/services/smsserver/internal/app"
	"smsinbox/services/smsserver/internal/events"
)

const (
	defaultHeartbeat = 30 * time.Second
	maxBodyBytes     = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// Private mode mounts the mobile and third-party APIs. Events and
	// PrivateToken are required when it is set.
	PrivateMode  bool
	PrivateToken string
	Events       *events.Registry
	Heartbeat    time.Duration

	// Tokens enables bearer tokens on the third-party API.
	Tokens *apitoken.Issuer

	// Redis enables rate limiting of registration and token grants.
	Redis                      redis.UniversalClient
	RegisterRateLimitPerMinute int
	TokenRateLimitPerMinute    int

	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the SMS inbox.
type Server struct {
	app            *app.App
	events         *events.Registry
	tokens         *apitoken.Issuer
	privateToken   string
	heartbeat      time.Duration
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux

	registerLimiter *ratelimit.FixedWindowLimiter
	tokenLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.PrivateMode {
		if cfg.Events == nil {
			return nil, errors.New("private mode requires an event registry")
		}
		if strings.TrimSpace(cfg.PrivateToken) == "" {
			return nil, errors.New("private mode requires a private token")
		}
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	s := &Server{
		app:            cfg.App,
		events:         cfg.Events,
		tokens:         cfg.Tokens,
		privateToken:   cfg.PrivateToken,
		heartbeat:      heartbeat,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	if cfg.Redis != nil {
		registerLimit := cfg.RegisterRateLimitPerMinute
		if registerLimit <= 0 {
			registerLimit = 10
		}
		tokenLimit := cfg.TokenRateLimitPerMinute
		if tokenLimit <= 0 {
			tokenLimit = 20
		}
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "smsinbox:ratelimit:"+name, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		if s.registerLimiter, err = newLimiter("register", registerLimit); err != nil {
			return nil, err
		}
		if s.tokenLimiter, err = newLimiter("token", tokenLimit); err != nil {
			return nil, err
		}
	}
	s.routes(cfg.PrivateMode)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	h := util.WithSecurityHeaders(util.WithCORS(s.mux))
	return util.WithRequestID(util.WithRequestLog("smsserver", h))
}

func (s *Server) routes(private bool) {
	// core
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/send", s.handleSend)
	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/messages", s.handleMessages)
	s.mux.HandleFunc("/messages/", s.handleMessageByID)
	s.mux.HandleFunc("/conversations", s.handleConversations)
	s.mux.HandleFunc("/conversations/", s.handleConversationByPhone)
	s.mux.HandleFunc("/search", s.handleSearch)
	s.mux.HandleFunc("/contacts", s.handleContacts)
	s.mux.HandleFunc("/contacts/", s.handleContactByPhone)

	if !private {
		return
	}

	// mobile (device app)
	s.mux.HandleFunc("/api/mobile/v1/device", s.handleDevice)
	s.mux.Handle("/api/mobile/v1/message", s.deviceAuthenticated(s.handleMobileMessages))
	s.mux.Handle("/api/mobile/v1/events", s.deviceAuthenticated(s.handleEvents))
	s.mux.Handle("/api/mobile/v1/webhooks", s.deviceAuthenticated(s.handleMobileWebhooks))
	s.mux.Handle("/api/mobile/v1/settings", s.deviceAuthenticated(s.handleSettings))

	// third-party API
	s.mux.Handle("/3rdparty/v1/messages", s.userAuthenticated(s.handleGatewayMessages))
	s.mux.Handle("/3rdparty/v1/messages/", s.userAuthenticated(s.handleGatewayMessageByID))
	s.mux.Handle("/3rdparty/v1/devices", s.userAuthenticated(s.handleDevices))
	s.mux.Handle("/3rdparty/v1/devices/", s.userAuthenticated(s.handleDeviceByID))
	s.mux.Handle("/3rdparty/v1/webhooks", s.userAuthenticated(s.handleWebhooks))
	s.mux.Handle("/3rdparty/v1/webhooks/", s.userAuthenticated(s.handleWebhookByID))
	s.mux.Handle("/3rdparty/v1/health", s.userAuthenticated(s.handleThirdPartyHealth))
	if s.tokens != nil {
		s.mux.HandleFunc("/3rdparty/v1/auth/token", s.handleTokenGrant)
		s.mux.Handle("/3rdparty/v1/auth/token/", s.userAuthenticated(s.handleTokenRevoke))
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMessage is the error shape of the mobile API.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// errorStatus maps app errors onto HTTP statuses. Unknown errors are 500
// and their text is not exposed.
func errorStatus(err error) (int, string) {
	var upstream *app.UpstreamError
	switch {
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrAmbiguous):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, app.ErrNoDevice):
		return http.StatusBadGateway, err.Error()
	case errors.As(err, &upstream):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, msg)
}

func (s *Server) writeMobileError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeMessage(w, status, msg)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + s.clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

// pathTail returns the path after prefix, split on "/". Empty segments are
// dropped.
func pathTail(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func logDropped(r *http.Request, what string, err error) {
	slog.WarnContext(r.Context(), what, "path", r.URL.Path, "err", err)
}
