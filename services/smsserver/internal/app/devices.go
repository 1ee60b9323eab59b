package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"smsinbox/internal/util"
	"smsinbox/pkg/auth"
	"smsinbox/pkg/domain"
	"smsinbox/pkg/store"
)

// Registration is returned once to a newly registered device. Password is
// the only copy of the third-party credential.
type Registration struct {
	ID       string `json:"id"`
	Token    string `json:"token"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

// RegisterDevice get-or-creates the tenant user, rotates its password and
// creates a new device with a fresh auth token. Earlier passwords stop
// working; earlier device tokens stay valid.
func (a *App) RegisterDevice(ctx context.Context, name, pushToken string) (Registration, error) {
	a.regMu.Lock()
	defer a.regMu.Unlock()

	now := a.now().UTC()
	user, ok, err := a.store.GetUserByID(a.tenantID)
	if err != nil {
		return Registration{}, fmt.Errorf("load tenant: %w", err)
	}
	if !ok {
		user = domain.User{ID: a.tenantID, Login: util.NewLogin(), CreatedAt: now}
	}
	password := util.NewPassword()
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Registration{}, fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = now
	if err := a.store.SaveUser(user); err != nil {
		return Registration{}, fmt.Errorf("save tenant: %w", err)
	}

	device := domain.Device{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Name:      strings.TrimSpace(name),
		PushToken: strings.TrimSpace(pushToken),
		AuthToken: util.NewToken(),
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateDevice(device); err != nil {
		return Registration{}, fmt.Errorf("create device: %w", err)
	}
	slog.InfoContext(ctx, "device registered", "device_id", device.ID, "user_id", user.ID, "new_user", !ok)
	return Registration{
		ID:       device.ID,
		Token:    device.AuthToken,
		Login:    user.Login,
		Password: password,
	}, nil
}

// AuthenticateDevice resolves a bearer token to its device and records the
// activity. ok is false for unknown tokens.
func (a *App) AuthenticateDevice(token string) (domain.Device, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Device{}, false, nil
	}
	device, ok, err := a.store.GetDeviceByToken(token)
	if err != nil || !ok {
		return domain.Device{}, false, err
	}
	now := a.now().UTC()
	if err := a.store.TouchDevice(device.ID, now); err != nil {
		return domain.Device{}, false, fmt.Errorf("touch device: %w", err)
	}
	device.LastSeen = now
	return device, true, nil
}

// UpdateDevice changes a device's name and/or push token.
func (a *App) UpdateDevice(deviceID string, upd store.DeviceUpdate) (domain.Device, error) {
	if upd.Name != nil || upd.PushToken != nil {
		if err := a.store.UpdateDevice(deviceID, upd); err != nil {
			return domain.Device{}, err
		}
	}
	device, ok, err := a.store.GetDevice(deviceID)
	if err != nil {
		return domain.Device{}, err
	}
	if !ok {
		return domain.Device{}, notFound("Device not found")
	}
	return device, nil
}

// PendingMessages returns the device's claimable Pending queue. Expired
// messages are left out but keep their state.
func (a *App) PendingMessages(deviceID string, order domain.ProcessingOrder) ([]domain.GatewayMessage, error) {
	if order != domain.OrderLIFO {
		order = domain.OrderFIFO
	}
	return a.store.ListPendingMessages(deviceID, order, a.now())
}

// ApplyStateReports records device-reported delivery states. The batch is
// validated up front: an unknown state rejects the whole batch. Reports for
// unknown message ids are skipped. It returns how many reports were applied.
func (a *App) ApplyStateReports(ctx context.Context, deviceID string, reports []store.StateReport) (int, error) {
	for _, r := range reports {
		if strings.TrimSpace(r.ID) == "" {
			return 0, invalid("id is required for every update")
		}
		if _, ok := domain.ParseProcessingState(string(r.State)); !ok {
			return 0, invalid(fmt.Sprintf("unknown state %q", r.State))
		}
		for _, rec := range r.Recipients {
			if _, ok := domain.ParseProcessingState(string(rec.State)); !ok {
				return 0, invalid(fmt.Sprintf("unknown recipient state %q", rec.State))
			}
		}
	}
	applied := 0
	for _, r := range reports {
		found, err := a.store.ApplyStateReport(r, deviceID)
		if err != nil {
			return applied, fmt.Errorf("apply state for %s: %w", r.ID, err)
		}
		if !found {
			slog.InfoContext(ctx, "state report for unknown message skipped", "message_id", r.ID, "device_id", deviceID)
			continue
		}
		applied++
	}
	return applied, nil
}

// DeviceWebhooks lists the webhooks a device should call: the server's own
// ingestion endpoint first, then the user's subscribers.
func (a *App) DeviceWebhooks(userID string) ([]domain.GatewayWebhook, error) {
	hooks, err := a.store.ListWebhooks(userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.GatewayWebhook, 0, len(hooks)+1)
	out = append(out, domain.GatewayWebhook{
		ID:    "self",
		URL:   a.publicURL + "/webhook",
		Event: domain.EventSMSReceived,
	})
	return append(out, hooks...), nil
}

// DeviceSettings is the configuration pushed to devices.
type DeviceSettings struct {
	Messages struct {
		ProcessingOrder domain.ProcessingOrder `json:"processingOrder"`
	} `json:"messages"`
	Ping struct {
		IntervalSeconds int `json:"intervalSeconds"`
	} `json:"ping"`
	Webhooks struct {
		SigningKey           string `json:"signingKey"`
		RetryCount           int    `json:"retryCount"`
		RetryIntervalSeconds int    `json:"retryIntervalSeconds"`
	} `json:"webhooks"`
}

// Settings returns device settings.
func (a *App) Settings() DeviceSettings {
	var s DeviceSettings
	s.Messages.ProcessingOrder = domain.OrderFIFO
	s.Ping.IntervalSeconds = 30
	s.Webhooks.SigningKey = a.signingKey
	s.Webhooks.RetryCount = 3
	s.Webhooks.RetryIntervalSeconds = 10
	return s
}
