package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"smsinbox/pkg/broker"
	"smsinbox/pkg/domain"
	"smsinbox/services/smsserver/internal/gateway"
)

// SendInput is the body of the core send endpoint.
type SendInput struct {
	Phone string
	Text  string
	Sim   int
}

// Send delivers one SMS through the gateway and records it as an outbound,
// already-read message.
func (a *App) Send(ctx context.Context, in SendInput) (domain.Message, error) {
	phone := strings.TrimSpace(in.Phone)
	if phone == "" || in.Text == "" {
		return domain.Message{}, invalid("phone and text are required")
	}
	sim := in.Sim
	if sim <= 0 {
		sim = 1
	}
	gatewayID, err := a.gateway.Send(ctx, gateway.SendRequest{
		PhoneNumbers: []string{phone},
		Text:         in.Text,
		SimNumber:    sim,
	})
	if err != nil {
		return domain.Message{}, err
	}

	timestamp := isoTimestamp(a.now())
	msg := domain.Message{
		ID:               domain.MessageID(phone, in.Text, timestamp, domain.DirectionOut),
		PhoneNumber:      phone,
		Text:             in.Text,
		Direction:        domain.DirectionOut,
		Timestamp:        timestamp,
		Read:             true,
		SimNumber:        sim,
		GatewayMessageID: gatewayID,
	}
	if _, err := a.store.InsertMessage(msg); err != nil {
		return domain.Message{}, fmt.Errorf("record outbound message: %w", err)
	}
	if gatewayID != "" {
		a.publish(ctx, broker.RoutingSMSEnqueued, enqueuedEvent{ID: gatewayID, PhoneNumbers: []string{phone}, MessageID: msg.ID})
	}
	return msg, nil
}

// maxTTLSeconds keeps ttl*time.Second inside time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// GatewaySendInput is a third-party send request.
type GatewaySendInput struct {
	PhoneNumbers       []string
	Text               string
	SimNumber          int
	WithDeliveryReport bool
	IsEncrypted        bool
	TTLSeconds         int64
	ValidUntil         *time.Time
}

// SendGatewayMessage queues a multi-recipient message and returns its state
// snapshot with recipients.
func (a *App) SendGatewayMessage(ctx context.Context, in GatewaySendInput) (domain.GatewayMessage, error) {
	phones := make([]string, 0, len(in.PhoneNumbers))
	for _, p := range in.PhoneNumbers {
		if p = strings.TrimSpace(p); p != "" {
			phones = append(phones, p)
		}
	}
	if in.Text == "" || len(phones) == 0 {
		return domain.GatewayMessage{}, invalid("phoneNumbers and message text are required")
	}
	if in.TTLSeconds < 0 {
		return domain.GatewayMessage{}, invalid("ttl must be positive")
	}
	if in.TTLSeconds > maxTTLSeconds {
		return domain.GatewayMessage{}, invalid("ttl is too large")
	}
	if in.TTLSeconds > 0 && in.ValidUntil != nil {
		return domain.GatewayMessage{}, invalid("ttl and validUntil are mutually exclusive")
	}
	validUntil := in.ValidUntil
	if in.TTLSeconds > 0 {
		v := a.now().UTC().Add(time.Duration(in.TTLSeconds) * time.Second)
		validUntil = &v
	}

	id, err := a.gateway.Send(ctx, gateway.SendRequest{
		PhoneNumbers:       phones,
		Text:               in.Text,
		SimNumber:          in.SimNumber,
		WithDeliveryReport: in.WithDeliveryReport,
		IsEncrypted:        in.IsEncrypted,
		ValidUntil:         validUntil,
	})
	if err != nil {
		return domain.GatewayMessage{}, err
	}
	if id == "" {
		// Not tracked locally; report the request as pending.
		return pendingSnapshot(phones, in.IsEncrypted), nil
	}
	msg, ok, err := a.store.GetGatewayMessage(id)
	if err != nil {
		return domain.GatewayMessage{}, err
	}
	if !ok {
		slog.WarnContext(ctx, "queued gateway message not found after enqueue", "message_id", id)
		snapshot := pendingSnapshot(phones, in.IsEncrypted)
		snapshot.ID = id
		return snapshot, nil
	}
	a.publish(ctx, broker.RoutingSMSEnqueued, enqueuedEvent{ID: id, PhoneNumbers: phones})
	return msg, nil
}

type enqueuedEvent struct {
	ID           string   `json:"id"`
	PhoneNumbers []string `json:"phoneNumbers"`
	MessageID    string   `json:"messageId,omitempty"`
}

func pendingSnapshot(phones []string, encrypted bool) domain.GatewayMessage {
	recipients := make([]domain.MessageRecipient, 0, len(phones))
	for _, p := range phones {
		recipients = append(recipients, domain.MessageRecipient{PhoneNumber: p, State: domain.StatePending})
	}
	return domain.GatewayMessage{
		State:        domain.StatePending,
		PhoneNumbers: phones,
		IsEncrypted:  encrypted,
		Recipients:   recipients,
	}
}
