package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"smsinbox/pkg/domain"
	"smsinbox/pkg/store"
	"smsinbox/services/smsserver/internal/app"
)

type sendRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
	Sim   int    `json:"sim"`
}

type contactRequest struct {
	Phone       string `json:"phone"`
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
}

type healthResponse struct {
	Status        string `json:"status"`
	UnreadCount   int64  `json:"unread_count"`
	TotalMessages int64  `json:"total_messages"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Health()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UnreadCount:   stats.UnreadCount,
		TotalMessages: stats.TotalMessages,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	msg, err := s.app.Send(r.Context(), app.SendInput{Phone: req.Phone, Text: req.Text, Sim: req.Sim})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	res, err := s.app.IngestWebhook(r.Context(), raw)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if res.Ignored {
		writeJSON(w, http.StatusOK, map[string]any{"ignored": true, "reason": res.Reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": res.ID, "duplicate": res.Duplicate})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	f := store.MessageFilter{Phone: strings.TrimSpace(q.Get("phone"))}
	switch dir := domain.Direction(q.Get("direction")); dir {
	case "":
	case domain.DirectionIn, domain.DirectionOut:
		f.Direction = dir
	default:
		writeError(w, http.StatusBadRequest, "direction must be in or out")
		return
	}
	if raw := q.Get("unread"); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unread must be a boolean")
			return
		}
		f.Unread = &unread
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.app.ListMessages(f)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/messages/")
	if len(parts) == 0 || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var read bool
		switch parts[1] {
		case "read":
			read = true
		case "unread":
			read = false
		default:
			http.NotFound(w, r)
			return
		}
		if err := s.app.SetRead(id, read); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch r.Method {
	case http.MethodGet:
		msg, err := s.app.GetMessage(id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	case http.MethodDelete:
		if err := s.app.DeleteMessage(id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	convs, err := s.app.ListConversations()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(convs))
}

func (s *Server) handleConversationByPhone(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/conversations/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		msgs, err := s.app.GetConversation(parts[0])
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	case len(parts) == 2 && parts[1] == "read":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.app.MarkConversationRead(parts[0]); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 1:
		methodNotAllowed(w)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	msgs, err := s.app.Search(r.URL.Query().Get("q"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs), "total": len(msgs)})
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		contacts, err := s.app.ListContacts()
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(contacts))
	case http.MethodPost:
		var req contactRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		phone := req.Phone
		if phone == "" {
			phone = req.PhoneNumber
		}
		contact, err := s.app.UpsertContact(domain.Contact{PhoneNumber: phone, Name: req.Name})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, contact)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleContactByPhone(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/contacts/")
	if len(parts) != 1 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteContact(parts[0]); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
