package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"smsinbox/pkg/auth"
	"smsinbox/pkg/domain"
	"smsinbox/pkg/store"
)

// AuthenticateUser checks third-party Basic credentials.
func (a *App) AuthenticateUser(login, password string) (domain.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByLogin(login)
	if err != nil {
		return domain.User{}, err
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// GetUser loads a user by id, used for bearer-token callers.
func (a *App) GetUser(id string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(id)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// ListGatewayMessages pages through a user's queue, newest first.
func (a *App) ListGatewayMessages(userID, state string, limit, offset int) ([]domain.GatewayMessage, error) {
	var st domain.ProcessingState
	if state != "" {
		parsed, ok := domain.ParseProcessingState(state)
		if !ok {
			return nil, invalid(fmt.Sprintf("unknown state %q", state))
		}
		st = parsed
	}
	if limit <= 0 {
		limit = defaultGatewayListLimit
	}
	return a.store.ListGatewayMessages(userID, st, limit, offset)
}

// GetGatewayMessage resolves a queue entry by full id or unique prefix.
func (a *App) GetGatewayMessage(userID, idOrPrefix string) (domain.GatewayMessage, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return domain.GatewayMessage{}, notFound("Message not found")
	}
	msg, ok, err := a.store.GetGatewayMessage(idOrPrefix)
	if err != nil {
		return domain.GatewayMessage{}, err
	}
	if !ok {
		msg, err = a.store.GetGatewayMessageByPrefix(idOrPrefix)
		if err != nil {
			return domain.GatewayMessage{}, translateLookup(err, "Message not found")
		}
	}
	if msg.UserID != userID {
		return domain.GatewayMessage{}, notFound("Message not found")
	}
	return msg, nil
}

// ListDevices returns a user's devices.
func (a *App) ListDevices(userID string) ([]domain.Device, error) {
	return a.store.ListDevices(userID)
}

// DeleteDevice removes a device owned by userID.
func (a *App) DeleteDevice(userID, deviceID string) error {
	ok, err := a.store.DeleteDevice(deviceID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("Device not found")
	}
	return nil
}

// WebhookInput is a subscriber registration request.
type WebhookInput struct {
	ID       string
	URL      string
	Event    string
	DeviceID string
}

// CreateWebhook registers a subscriber URL for an event.
func (a *App) CreateWebhook(userID string, in WebhookInput) (domain.GatewayWebhook, error) {
	in.URL = strings.TrimSpace(in.URL)
	in.Event = strings.TrimSpace(in.Event)
	if in.URL == "" || in.Event == "" {
		return domain.GatewayWebhook{}, invalid("url and event are required")
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.GatewayWebhook{}, invalid("url must be an absolute http(s) URL")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	hook := domain.GatewayWebhook{
		ID:       id,
		UserID:   userID,
		DeviceID: strings.TrimSpace(in.DeviceID),
		URL:      in.URL,
		Event:    in.Event,
	}
	if err := a.store.CreateWebhook(hook); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.GatewayWebhook{}, invalid("webhook id already exists")
		}
		return domain.GatewayWebhook{}, fmt.Errorf("create webhook: %w", err)
	}
	return hook, nil
}

// ListWebhooks returns a user's subscribers.
func (a *App) ListWebhooks(userID string) ([]domain.GatewayWebhook, error) {
	return a.store.ListWebhooks(userID)
}

// DeleteWebhook removes a subscriber owned by userID.
func (a *App) DeleteWebhook(userID, id string) error {
	ok, err := a.store.DeleteWebhook(id, userID)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("Webhook not found")
	}
	return nil
}
