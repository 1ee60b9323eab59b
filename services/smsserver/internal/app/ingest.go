package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"smsinbox/pkg/broker"
	"smsinbox/pkg/domain"
)

// InboundSMS is the payload of an sms:received report.
type InboundSMS struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	ReceivedAt  string `json:"receivedAt"`
	SimNumber   int    `json:"simNumber,omitempty"`
}

type webhookEnvelope struct {
	Event   *string     `json:"event"`
	Payload *InboundSMS `json:"payload"`
	InboundSMS
}

// IngestResult is the outcome of one webhook report. Ignored results carry a
// reason and no id.
type IngestResult struct {
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Ignored   bool   `json:"ignored,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// IngestWebhook stores an inbound SMS report exactly once. Subscriber fan-out,
// archiving and event publishing happen only for newly stored messages, so a
// redelivered report never reaches subscribers twice.
//
// The body is either the device envelope {event, payload:{...}} or a flat
// {phoneNumber, message, receivedAt}.
func (a *App) IngestWebhook(ctx context.Context, raw []byte) (IngestResult, error) {
	// The raw body is fanned out verbatim, so it must be exactly one JSON value.
	if !json.Valid(raw) {
		return IngestResult{}, invalid("Invalid JSON")
	}
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return IngestResult{}, invalid("Invalid JSON")
	}

	var sms InboundSMS
	switch {
	case env.Event == nil && env.PhoneNumber != "":
		sms = env.InboundSMS
	case env.Event != nil && *env.Event == domain.EventSMSReceived:
		if env.Payload == nil {
			return IngestResult{}, invalid("payload is required")
		}
		sms = *env.Payload
	default:
		event := ""
		if env.Event != nil {
			event = *env.Event
		}
		slog.InfoContext(ctx, "webhook event ignored", "event", event)
		return IngestResult{Ignored: true, Reason: "unhandled event: " + event}, nil
	}
	if sms.PhoneNumber == "" || sms.Message == "" || sms.ReceivedAt == "" {
		return IngestResult{}, invalid("phoneNumber, message and receivedAt are required")
	}
	if sms.SimNumber <= 0 {
		sms.SimNumber = 1
	}

	msg := domain.Message{
		ID:          domain.MessageID(sms.PhoneNumber, sms.Message, sms.ReceivedAt, domain.DirectionIn),
		PhoneNumber: sms.PhoneNumber,
		Text:        sms.Message,
		Direction:   domain.DirectionIn,
		Timestamp:   sms.ReceivedAt,
		Read:        false,
		SimNumber:   sms.SimNumber,
	}
	inserted, err := a.store.InsertMessage(msg)
	if err != nil {
		return IngestResult{}, fmt.Errorf("store inbound message: %w", err)
	}
	if !inserted {
		slog.InfoContext(ctx, "duplicate inbound sms", "message_id", msg.ID)
		return IngestResult{ID: msg.ID, Duplicate: true}, nil
	}
	slog.InfoContext(ctx, "inbound sms received", "message_id", msg.ID, "phone", msg.PhoneNumber)

	a.archiveInbound(ctx, msg.ID, raw)
	a.fanOut(ctx, raw)
	a.publish(ctx, broker.RoutingSMSReceived, msg)
	return IngestResult{ID: msg.ID, Duplicate: false}, nil
}

func (a *App) fanOut(ctx context.Context, raw []byte) {
	if a.dispatcher == nil {
		return
	}
	targets, err := a.store.WebhooksByEvent(domain.EventSMSReceived)
	if err != nil {
		slog.ErrorContext(ctx, "load webhook subscribers failed", "err", err)
		return
	}
	if len(targets) == 0 {
		return
	}
	a.dispatcher.Dispatch(targets, raw)
}

// archiveKey places a raw report at inbound/<first two hex chars>/<id>.json.
func archiveKey(id string) string {
	return fmt.Sprintf("inbound/%s/%s.json", id[:min(2, len(id))], id)
}

func (a *App) archiveInbound(ctx context.Context, id string, raw []byte) {
	if a.archive == nil {
		return
	}
	key := archiveKey(id)
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.archive.Put(putCtx, key, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		slog.WarnContext(ctx, "archive inbound payload failed", "message_id", id, "key", key, "err", err)
	}
}

// dropArchived removes the raw report of a deleted inbound message.
func (a *App) dropArchived(id string) {
	if a.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.archive.Delete(ctx, archiveKey(id)); err != nil {
		slog.Warn("delete archived payload failed", "message_id", id, "err", err)
	}
}
