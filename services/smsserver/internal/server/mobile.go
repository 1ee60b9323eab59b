package server

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smsinbox/internal/apitoken"
	"smsinbox/internal/util"
	"smsinbox/pkg/domain"
	"smsinbox/pkg/store"
	"smsinbox/services/smsserver/internal/events"
)

// serverKeyHeader carries the private token on registration.
const serverKeyHeader = "ServerKey"

type registerRequest struct {
	Name      string `json:"name"`
	PushToken string `json:"pushToken"`
}

type deviceUpdateRequest struct {
	Name      *string `json:"name"`
	PushToken *string `json:"pushToken"`
}

type deviceInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

func newDeviceInfo(d domain.Device) deviceInfo {
	return deviceInfo{ID: d.ID, Name: d.Name, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt, LastSeen: d.LastSeen}
}

type mobileMessage struct {
	ID                 string     `json:"id"`
	Message            string     `json:"message"`
	PhoneNumbers       []string   `json:"phoneNumbers"`
	SimNumber          int        `json:"simNumber"`
	WithDeliveryReport bool       `json:"withDeliveryReport"`
	IsEncrypted        bool       `json:"isEncrypted"`
	ValidUntil         *time.Time `json:"validUntil,omitempty"`
}

type recipientUpdate struct {
	PhoneNumber string `json:"phoneNumber"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
}

type stateUpdate struct {
	ID         string            `json:"id"`
	State      string            `json:"state"`
	Recipients []recipientUpdate `json:"recipients"`
}

type webhookView struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Event string `json:"event"`
}

type deviceHandler func(http.ResponseWriter, *http.Request, domain.Device)

// deviceAuthenticated rejects requests whose bearer token does not resolve
// to a device.
func (s *Server) deviceAuthenticated(next deviceHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device, ok := s.authorizeDevice(r)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, device)
	})
}

// authorizeDevice resolves the device behind the bearer token, if any.
func (s *Server) authorizeDevice(r *http.Request) (domain.Device, bool) {
	token, ok := apitoken.BearerToken(r)
	if !ok {
		s.audit(r, "mobile.device.authorize", "fail", "reason", "missing_token")
		return domain.Device{}, false
	}
	device, ok, err := s.app.AuthenticateDevice(token)
	if err != nil {
		s.audit(r, "mobile.device.authorize", "fail", "reason", "lookup_failed", "err", err)
		return domain.Device{}, false
	}
	if !ok {
		s.audit(r, "mobile.device.authorize", "fail", "reason", "unknown_token")
		return domain.Device{}, false
	}
	return device, true
}

func (s *Server) validServerKey(r *http.Request) bool {
	want := []byte(s.privateToken)
	if key := r.Header.Get(serverKeyHeader); key != "" {
		if subtle.ConstantTimeCompare([]byte(key), want) == 1 {
			return true
		}
	}
	if token, ok := apitoken.BearerToken(r); ok {
		return subtle.ConstantTimeCompare([]byte(token), want) == 1
	}
	return false
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegister(w, r)
	case http.MethodGet:
		s.handleDeviceInfo(w, r)
	case http.MethodPatch:
		s.deviceAuthenticated(s.handleDeviceUpdate).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "mobile.register", "rate_limited")
		return
	}
	if !s.validServerKey(r) {
		s.audit(r, "mobile.register", "fail", "reason", "invalid_server_key")
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	// The body is optional; anything unparsable registers an unnamed device.
	var req registerRequest
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)

	reg, err := s.app.RegisterDevice(r.Context(), req.Name, req.PushToken)
	if err != nil {
		s.audit(r, "mobile.register", "fail", "reason", err.Error())
		s.writeMobileError(w, r, err)
		return
	}
	s.audit(r, "mobile.register", "success", "device_id", reg.ID)
	writeJSON(w, http.StatusCreated, reg)
}

// handleDeviceInfo never fails: an unknown token yields device null so the
// client knows to register again.
func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if ip == "" {
		ip = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}
	resp := map[string]any{"externalIP": ip, "device": nil}
	if device, ok := s.authorizeDevice(r); ok {
		resp["device"] = newDeviceInfo(device)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request, device domain.Device) {
	var req deviceUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	updated, err := s.app.UpdateDevice(device.ID, store.DeviceUpdate{Name: req.Name, PushToken: req.PushToken})
	if err != nil {
		s.writeMobileError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeviceInfo(updated))
}

func (s *Server) handleMobileMessages(w http.ResponseWriter, r *http.Request, device domain.Device) {
	switch r.Method {
	case http.MethodGet:
		order := domain.ProcessingOrder(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("order"))))
		msgs, err := s.app.PendingMessages(device.ID, order)
		if err != nil {
			s.writeMobileError(w, r, err)
			return
		}
		out := make([]mobileMessage, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, mobileMessage{
				ID:                 m.ID,
				Message:            m.Text,
				PhoneNumbers:       m.PhoneNumbers,
				SimNumber:          m.SimNumber,
				WithDeliveryReport: m.WithDeliveryReport,
				IsEncrypted:        m.IsEncrypted,
				ValidUntil:         m.ValidUntil,
			})
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPatch:
		s.handleStateReports(w, r, device)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleStateReports(w http.ResponseWriter, r *http.Request, device domain.Device) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if !json.Valid(raw) {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '[' {
		writeMessage(w, http.StatusBadRequest, "Expected array of state updates")
		return
	}
	var updates []stateUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	reports := make([]store.StateReport, 0, len(updates))
	for _, u := range updates {
		report := store.StateReport{ID: u.ID, State: domain.ProcessingState(u.State)}
		for _, rec := range u.Recipients {
			report.Recipients = append(report.Recipients, domain.MessageRecipient{
				PhoneNumber: rec.PhoneNumber,
				State:       domain.ProcessingState(rec.State),
				Error:       rec.Error,
			})
		}
		reports = append(reports, report)
	}
	applied, err := s.app.ApplyStateReports(r.Context(), device.ID, reports)
	if err != nil {
		s.writeMobileError(w, r, err)
		return
	}
	if applied < len(reports) {
		util.LoggerFromContext(r.Context()).Info("state reports partially applied", "device_id", device.ID, "applied", applied, "received", len(reports))
	}
	// Unknown ids are skipped silently: the count echoes the accepted batch.
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(reports)})
}

func (s *Server) handleMobileWebhooks(w http.ResponseWriter, r *http.Request, device domain.Device) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	hooks, err := s.app.DeviceWebhooks(device.UserID)
	if err != nil {
		s.writeMobileError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookViews(hooks))
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, _ domain.Device) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Settings())
}

// handleEvents streams wake-up events to one device until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, device domain.Device) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.events.Subscribe(device.ID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.audit(r, "mobile.events.subscribe", "success", "device_id", device.ID)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writeSSE(w, "ping", ""); err != nil {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				logDropped(r, "live event write failed", err)
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Name, err)
	}
	return writeSSE(w, ev.Name, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	if strings.ContainsAny(event, "\r\n") {
		return errors.New("event name must be a single line")
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func webhookViews(hooks []domain.GatewayWebhook) []webhookView {
	out := make([]webhookView, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, webhookView{ID: h.ID, URL: h.URL, Event: h.Event})
	}
	return out
}
