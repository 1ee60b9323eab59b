package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"smsinbox/pkg/domain"
	"smsinbox/services/smsserver/internal/events"
	"smsinbox/services/smsserver/internal/push"
)

// QueueStore is the persistence the private gateway needs.
type QueueStore interface {
	GetUserByID(id string) (domain.User, bool, error)
	ActiveDevice(userID string) (domain.Device, bool, error)
	EnqueueGatewayMessage(domain.GatewayMessage) error
}

// EventPublisher is the live channel to connected devices.
type EventPublisher interface {
	Publish(deviceID string, ev events.Event) int
}

// PrivateGateway enqueues messages for the tenant's registered device and
// wakes it through the live channel and the push relay.
type PrivateGateway struct {
	store    QueueStore
	events   EventPublisher
	notifier push.Notifier
	tenantID string
	now      func() time.Time
}

// NewPrivateGateway constructs a private gateway for tenantID.
func NewPrivateGateway(store QueueStore, ev EventPublisher, notifier push.Notifier, tenantID string) *PrivateGateway {
	return &PrivateGateway{
		store:    store,
		events:   ev,
		notifier: notifier,
		tenantID: tenantID,
		now:      time.Now,
	}
}

// Send persists the message with its recipients, then notifies the active
// device if there is one. Notification is best effort and never fails Send.
func (g *PrivateGateway) Send(ctx context.Context, req SendRequest) (string, error) {
	user, ok, err := g.store.GetUserByID(g.tenantID)
	if err != nil {
		return "", fmt.Errorf("load tenant: %w", err)
	}
	if !ok {
		return "", ErrNoDevice
	}
	device, hasDevice, err := g.store.ActiveDevice(user.ID)
	if err != nil {
		return "", fmt.Errorf("load active device: %w", err)
	}

	now := g.now().UTC()
	msg := domain.GatewayMessage{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		State:              domain.StatePending,
		PhoneNumbers:       req.PhoneNumbers,
		Text:               req.Text,
		SimNumber:          simOrDefault(req.SimNumber),
		IsEncrypted:        req.IsEncrypted,
		WithDeliveryReport: req.WithDeliveryReport,
		ValidUntil:         req.ValidUntil,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if hasDevice {
		msg.DeviceID = device.ID
	}
	if err := g.store.EnqueueGatewayMessage(msg); err != nil {
		return "", fmt.Errorf("enqueue gateway message: %w", err)
	}

	if hasDevice {
		g.notify(ctx, device, msg.ID)
	} else {
		slog.Info("gateway message queued without device", "message_id", msg.ID)
	}
	return msg.ID, nil
}

func (g *PrivateGateway) notify(ctx context.Context, device domain.Device, messageID string) {
	if device.PushToken != "" && g.notifier != nil {
		g.notifier.Notify(device.PushToken, push.EventMessageEnqueued, map[string]any{})
	}
	if g.events == nil {
		return
	}
	delivered := g.events.Publish(device.ID, events.Event{
		Name: events.EventMessageEnqueued,
		Data: map[string]string{"id": messageID},
	})
	slog.DebugContext(ctx, "live channel notified", "device_id", device.ID, "message_id", messageID, "listeners", delivered)
}
