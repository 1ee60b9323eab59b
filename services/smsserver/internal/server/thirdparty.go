package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"smsinbox/internal/apitoken"
	"smsinbox/pkg/domain"
	"smsinbox/services/smsserver/internal/app"
)

const authRealm = `Basic realm="sms-server"`

type gatewaySendRequest struct {
	Message     string `json:"message"`
	TextMessage *struct {
		Text string `json:"text"`
	} `json:"textMessage"`
	PhoneNumbers       []string   `json:"phoneNumbers"`
	SimNumber          int        `json:"simNumber"`
	WithDeliveryReport bool       `json:"withDeliveryReport"`
	IsEncrypted        bool       `json:"isEncrypted"`
	TTL                int64      `json:"ttl"`
	ValidUntil         *time.Time `json:"validUntil"`
}

type recipientState struct {
	PhoneNumber string                 `json:"phoneNumber"`
	State       domain.ProcessingState `json:"state"`
	Error       string                 `json:"error,omitempty"`
}

type messageState struct {
	ID          string                 `json:"id"`
	State       domain.ProcessingState `json:"state"`
	IsHashed    bool                   `json:"isHashed"`
	IsEncrypted bool                   `json:"isEncrypted"`
	Recipients  []recipientState       `json:"recipients"`
}

type webhookRequest struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
}

func newMessageState(m domain.GatewayMessage) messageState {
	out := messageState{
		ID:          m.ID,
		State:       m.State,
		IsEncrypted: m.IsEncrypted,
		Recipients:  make([]recipientState, 0, len(m.Recipients)),
	}
	for _, r := range m.Recipients {
		out.Recipients = append(out.Recipients, recipientState{PhoneNumber: r.PhoneNumber, State: r.State, Error: r.Error})
	}
	return out
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// userAuthenticated accepts HTTP Basic credentials or, when token auth is
// enabled, a bearer token from the token endpoint.
func (s *Server) userAuthenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorizeUser(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", authRealm)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorizeUser(r *http.Request) (domain.User, bool) {
	if login, password, ok := r.BasicAuth(); ok {
		user, err := s.app.AuthenticateUser(login, password)
		if err != nil {
			s.audit(r, "thirdparty.authorize", "fail", "method", "basic", "reason", reason(err))
			return domain.User{}, false
		}
		return user, true
	}
	token, ok := apitoken.BearerToken(r)
	if !ok || s.tokens == nil {
		s.audit(r, "thirdparty.authorize", "fail", "reason", "missing_credentials")
		return domain.User{}, false
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		s.audit(r, "thirdparty.authorize", "fail", "method", "bearer", "reason", reason(err))
		return domain.User{}, false
	}
	user, err := s.app.GetUser(claims.UserID)
	if err != nil {
		s.audit(r, "thirdparty.authorize", "fail", "method", "bearer", "reason", reason(err))
		return domain.User{}, false
	}
	return user, true
}

func reason(err error) string {
	switch {
	case errors.Is(err, app.ErrUnauthorized):
		return "invalid_credentials"
	case errors.Is(err, apitoken.ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, apitoken.ErrInvalidToken):
		return "invalid_token"
	default:
		return err.Error()
	}
}

func (s *Server) handleGatewayMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var req gatewaySendRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		text := req.Message
		if req.TextMessage != nil && req.TextMessage.Text != "" {
			text = req.TextMessage.Text
		}
		msg, err := s.app.SendGatewayMessage(r.Context(), app.GatewaySendInput{
			PhoneNumbers:       req.PhoneNumbers,
			Text:               text,
			SimNumber:          req.SimNumber,
			WithDeliveryReport: req.WithDeliveryReport,
			IsEncrypted:        req.IsEncrypted,
			TTLSeconds:         req.TTL,
			ValidUntil:         req.ValidUntil,
		})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newMessageState(msg))
	case http.MethodGet:
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		offset, err := queryInt(r, "offset")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msgs, err := s.app.ListGatewayMessages(user.ID, r.URL.Query().Get("state"), limit, offset)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		out := make([]messageState, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, newMessageState(m))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleGatewayMessageByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := pathTail(r.URL.Path, "/3rdparty/v1/messages/")
	if len(parts) != 1 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	msg, err := s.app.GetGatewayMessage(user.ID, parts[0])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMessageState(msg))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	devices, err := s.app.ListDevices(user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	out := make([]deviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, newDeviceInfo(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviceByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := pathTail(r.URL.Path, "/3rdparty/v1/devices/")
	if len(parts) != 1 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteDevice(user.ID, parts[0]); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "thirdparty.device.delete", "success", "device_id", parts[0])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		hooks, err := s.app.ListWebhooks(user.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, webhookViews(hooks))
	case http.MethodPost:
		var req webhookRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		hook, err := s.app.CreateWebhook(user.ID, app.WebhookInput{
			ID:       req.ID,
			URL:      req.URL,
			Event:    req.Event,
			DeviceID: req.DeviceID,
		})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, webhookView{ID: hook.ID, URL: hook.URL, Event: hook.Event})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleWebhookByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := pathTail(r.URL.Path, "/3rdparty/v1/webhooks/")
	if len(parts) != 1 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteWebhook(user.ID, parts[0]); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThirdPartyHealth(w http.ResponseWriter, r *http.Request, _ domain.User) {
	s.handleHealth(w, r)
}

// handleTokenGrant exchanges Basic credentials for a bearer token.
func (s *Server) handleTokenGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.tokenLimiter, "too many token requests") {
		s.audit(r, "thirdparty.token.issue", "rate_limited")
		return
	}
	login, password, ok := r.BasicAuth()
	if !ok {
		s.audit(r, "thirdparty.token.issue", "fail", "reason", "missing_credentials")
		w.Header().Set("WWW-Authenticate", authRealm)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	user, err := s.app.AuthenticateUser(login, password)
	if err != nil {
		s.audit(r, "thirdparty.token.issue", "fail", "reason", reason(err))
		w.Header().Set("WWW-Authenticate", authRealm)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	tok, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.audit(r, "thirdparty.token.issue", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "thirdparty.token.issue", "success", "user_id", user.ID, "jti", tok.ID)
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	parts := pathTail(r.URL.Path, "/3rdparty/v1/auth/token/")
	if len(parts) != 1 || strings.TrimSpace(parts[0]) == "" {
		http.NotFound(w, r)
		return
	}
	if err := s.tokens.Revoke(parts[0]); err != nil {
		s.audit(r, "thirdparty.token.revoke", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "thirdparty.token.revoke", "success", "user_id", user.ID, "jti", parts[0])
	w.WriteHeader(http.StatusNoContent)
}
