package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"smsinbox/pkg/domain"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func inbound(phone, text, ts string) domain.Message {
	return domain.Message{
		ID:          domain.MessageID(phone, text, ts, domain.DirectionIn),
		PhoneNumber: phone,
		Text:        text,
		Direction:   domain.DirectionIn,
		Timestamp:   ts,
		SimNumber:   1,
	}
}

func TestInsertMessageIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	msg := inbound("+1555", "hi", "2024-01-01T00:00:00Z")

	inserted, err := s.InsertMessage(msg)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to write a row")
	}
	inserted, err = s.InsertMessage(msg)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to be ignored")
	}
	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalMessages != 1 || stats.UnreadCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGetMessageByPrefix(t *testing.T) {
	s := newTestStore(t)
	a := domain.Message{ID: "abc111", PhoneNumber: "+1", Text: "a", Direction: domain.DirectionIn, Timestamp: "1", SimNumber: 1}
	b := domain.Message{ID: "abc222", PhoneNumber: "+1", Text: "b", Direction: domain.DirectionIn, Timestamp: "2", SimNumber: 1}
	for _, m := range []domain.Message{a, b} {
		if _, err := s.InsertMessage(m); err != nil {
			t.Fatalf("insert %s: %v", m.ID, err)
		}
	}

	if _, err := s.GetMessageByPrefix("zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetMessageByPrefix("abc"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
	got, err := s.GetMessageByPrefix("abc2")
	if err != nil {
		t.Fatalf("unique prefix: %v", err)
	}
	if got.ID != b.ID {
		t.Fatalf("got %s, want %s", got.ID, b.ID)
	}
	if _, err := s.GetMessageByPrefix("abc%"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wildcard characters to be matched literally, got %v", err)
	}
}

func TestListMessagesFilters(t *testing.T) {
	s := newTestStore(t)
	msgs := []domain.Message{
		inbound("+1", "one", "2024-01-01T00:00:01Z"),
		inbound("+2", "two", "2024-01-01T00:00:02Z"),
		{ID: "out1", PhoneNumber: "+1", Text: "reply", Direction: domain.DirectionOut, Timestamp: "2024-01-01T00:00:03Z", Read: true, SimNumber: 1},
	}
	for _, m := range msgs {
		if _, err := s.InsertMessage(m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	all, err := s.ListMessages(MessageFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "out1" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	unread := true
	got, err := s.ListMessages(MessageFilter{Unread: &unread, Phone: "+1"})
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(got) != 1 || got[0].Text != "one" {
		t.Fatalf("unexpected unread list: %+v", got)
	}

	out, err := s.ListMessages(MessageFilter{Direction: domain.DirectionOut})
	if err != nil {
		t.Fatalf("list out: %v", err)
	}
	if len(out) != 1 || out[0].ID != "out1" {
		t.Fatalf("unexpected outbound list: %+v", out)
	}
}

func TestConversations(t *testing.T) {
	s := newTestStore(t)
	for _, m := range []domain.Message{
		inbound("+1", "first", "2024-01-01T00:00:01Z"),
		inbound("+1", "second", "2024-01-01T00:00:05Z"),
		inbound("+2", "other", "2024-01-01T00:00:03Z"),
	} {
		if _, err := s.InsertMessage(m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.UpsertContact(domain.Contact{PhoneNumber: "+1", Name: "Alice"}); err != nil {
		t.Fatalf("upsert contact: %v", err)
	}

	convs, err := s.ListConversations()
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	first := convs[0]
	if first.PhoneNumber != "+1" || first.ContactName != "Alice" || first.MessageCount != 2 || first.UnreadCount != 2 || first.LastMessage != "second" {
		t.Fatalf("unexpected first conversation: %+v", first)
	}

	if err := s.MarkConversationRead("+1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	thread, err := s.GetConversation("+1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(thread) != 2 || thread[0].Text != "first" {
		t.Fatalf("expected oldest first, got %+v", thread)
	}
	for _, m := range thread {
		if !m.Read {
			t.Fatalf("expected %s to be read", m.ID)
		}
	}
}

func TestContactsUpsertAndOrder(t *testing.T) {
	s := newTestStore(t)
	for _, c := range []domain.Contact{
		{PhoneNumber: "+2", Name: "Zed"},
		{PhoneNumber: "+1", Name: "Bob"},
		{PhoneNumber: "+2", Name: "Amy"},
	} {
		if err := s.UpsertContact(c); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	contacts, err := s.ListContacts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(contacts) != 2 || contacts[0].Name != "Amy" || contacts[1].Name != "Bob" {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
}

func TestEnqueueCreatesRecipientsInOrder(t *testing.T) {
	s := newTestStore(t)
	msg := domain.GatewayMessage{
		ID:           "gw-1",
		UserID:       "u-1",
		State:        domain.StatePending,
		PhoneNumbers: []string{"+3", "+1", "+2"},
		Text:         "hello",
		SimNumber:    1,
	}
	if err := s.EnqueueGatewayMessage(msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := s.GetGatewayMessage("gw-1")
	if err != nil || !ok {
		t.Fatalf("get gateway message: ok=%v err=%v", ok, err)
	}
	if len(got.Recipients) != 3 {
		t.Fatalf("expected 3 recipients, got %d", len(got.Recipients))
	}
	for i, phone := range msg.PhoneNumbers {
		if got.PhoneNumbers[i] != phone || got.Recipients[i].PhoneNumber != phone {
			t.Fatalf("order mismatch at %d: %+v", i, got)
		}
		if got.Recipients[i].State != domain.StatePending {
			t.Fatalf("recipient %d state = %s", i, got.Recipients[i].State)
		}
	}
}

func TestEnqueueRejectsEmptyRecipients(t *testing.T) {
	s := newTestStore(t)
	err := s.EnqueueGatewayMessage(domain.GatewayMessage{ID: "gw-empty", UserID: "u-1", State: domain.StatePending, Text: "x"})
	if err == nil {
		t.Fatalf("expected error for message without phone numbers")
	}
	if _, ok, _ := s.GetGatewayMessage("gw-empty"); ok {
		t.Fatalf("message without recipients must not be visible")
	}
}

func TestListPendingMessages(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	past := base.Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	enqueue := func(id, deviceID string, createdAt time.Time, validUntil *time.Time) {
		t.Helper()
		err := s.EnqueueGatewayMessage(domain.GatewayMessage{
			ID:           id,
			UserID:       "u-1",
			DeviceID:     deviceID,
			State:        domain.StatePending,
			PhoneNumbers: []string{"+1"},
			Text:         id,
			SimNumber:    1,
			ValidUntil:   validUntil,
			CreatedAt:    createdAt,
			UpdatedAt:    createdAt,
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	enqueue("a", "dev-1", base, nil)
	enqueue("b", "", base.Add(time.Second), &future)
	enqueue("c", "dev-2", base.Add(2*time.Second), nil)
	enqueue("d", "dev-1", base.Add(3*time.Second), &past)
	enqueue("e", "dev-1", base.Add(4*time.Second), nil)
	if _, err := s.ApplyStateReport(StateReport{ID: "e", State: domain.StateSent}, ""); err != nil {
		t.Fatalf("update state: %v", err)
	}

	fifo, err := s.ListPendingMessages("dev-1", domain.OrderFIFO, time.Now())
	if err != nil {
		t.Fatalf("pending fifo: %v", err)
	}
	if got := ids(fifo); got != "a,b" {
		t.Fatalf("fifo ids = %s, want a,b", got)
	}
	lifo, err := s.ListPendingMessages("dev-1", domain.OrderLIFO, time.Now())
	if err != nil {
		t.Fatalf("pending lifo: %v", err)
	}
	if got := ids(lifo); got != "b,a" {
		t.Fatalf("lifo ids = %s, want b,a", got)
	}
}

func TestApplyStateReport(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnqueueGatewayMessage(domain.GatewayMessage{
		ID: "gw-1", UserID: "u-1", State: domain.StatePending,
		PhoneNumbers: []string{"+1", "+2"}, Text: "x", SimNumber: 1,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	found, err := s.ApplyStateReport(StateReport{
		ID:    "gw-1",
		State: domain.StateSent,
		Recipients: []domain.MessageRecipient{
			{PhoneNumber: "+1", State: domain.StateSent},
			{PhoneNumber: "+2", State: domain.StateFailed, Error: "no signal"},
		},
	}, "dev-1")
	if err != nil || !found {
		t.Fatalf("apply report: found=%v err=%v", found, err)
	}
	got, _, err := s.GetGatewayMessage("gw-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateSent || got.DeviceID != "dev-1" {
		t.Fatalf("unexpected message after report: %+v", got)
	}
	if got.Recipients[0].State != domain.StateSent || got.Recipients[1].State != domain.StateFailed || got.Recipients[1].Error != "no signal" {
		t.Fatalf("unexpected recipients: %+v", got.Recipients)
	}

	found, err = s.ApplyStateReport(StateReport{ID: "missing", State: domain.StateSent}, "dev-1")
	if err != nil {
		t.Fatalf("apply unknown: %v", err)
	}
	if found {
		t.Fatalf("expected unknown id to report not found")
	}
}

func TestGatewayMessagePrefixAndListing(t *testing.T) {
	s := newTestStore(t)
	for i, id := range []string{"aa01", "aa02", "bb01"} {
		state := domain.StatePending
		if i == 2 {
			state = domain.StateDelivered
		}
		if err := s.EnqueueGatewayMessage(domain.GatewayMessage{
			ID: id, UserID: "u-1", State: state, PhoneNumbers: []string{"+1"}, Text: id, SimNumber: 1,
			CreatedAt: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := s.GetGatewayMessageByPrefix("aa"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
	if _, err := s.GetGatewayMessageByPrefix("cc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	msg, err := s.GetGatewayMessageByPrefix("bb")
	if err != nil || msg.ID != "bb01" || len(msg.Recipients) != 1 {
		t.Fatalf("unexpected prefix result: %+v err=%v", msg, err)
	}

	list, err := s.ListGatewayMessages("u-1", domain.StatePending, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := ids(list); got != "aa02,aa01" {
		t.Fatalf("list ids = %s", got)
	}
	page, err := s.ListGatewayMessages("u-1", "", 1, 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if got := ids(page); got != "aa02" {
		t.Fatalf("page ids = %s", got)
	}
}

func TestDevicesAndActiveDevice(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	for i, id := range []string{"d1", "d2"} {
		if err := s.CreateDevice(domain.Device{
			ID: id, UserID: "u-1", Name: id, AuthToken: "tok-" + id,
			LastSeen: now.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("create device: %v", err)
		}
	}
	active, ok, err := s.ActiveDevice("u-1")
	if err != nil || !ok || active.ID != "d2" {
		t.Fatalf("active device = %+v ok=%v err=%v", active, ok, err)
	}
	if err := s.TouchDevice("d1", now.Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	active, _, _ = s.ActiveDevice("u-1")
	if active.ID != "d1" {
		t.Fatalf("expected touched device to become active, got %s", active.ID)
	}

	push := "push-1"
	if err := s.UpdateDevice("d1", DeviceUpdate{PushToken: &push}); err != nil {
		t.Fatalf("update: %v", err)
	}
	dev, ok, err := s.GetDeviceByToken("tok-d1")
	if err != nil || !ok || dev.PushToken != "push-1" {
		t.Fatalf("device by token = %+v ok=%v err=%v", dev, ok, err)
	}

	deleted, err := s.DeleteDevice("d1", "other-user")
	if err != nil || deleted {
		t.Fatalf("delete by other user: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.DeleteDevice("d1", "u-1")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	devices, err := s.ListDevices("u-1")
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices = %+v err=%v", devices, err)
	}
}

func TestWebhooks(t *testing.T) {
	s := newTestStore(t)
	for i, event := range []string{"sms:sent", domain.EventSMSReceived, domain.EventSMSReceived} {
		if err := s.CreateWebhook(domain.GatewayWebhook{
			ID: fmt.Sprintf("wh-%d", i), UserID: "u-1", URL: "http://example.com", Event: event,
		}); err != nil {
			t.Fatalf("create webhook: %v", err)
		}
	}
	dup := domain.GatewayWebhook{ID: "wh-1", UserID: "u-2", URL: "http://other.example", Event: domain.EventSMSReceived}
	if err := s.CreateWebhook(dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for reused id, got %v", err)
	}
	list, err := s.ListWebhooks("u-1")
	if err != nil || len(list) != 3 || list[0].Event != domain.EventSMSReceived {
		t.Fatalf("list webhooks = %+v err=%v", list, err)
	}
	received, err := s.WebhooksByEvent(domain.EventSMSReceived)
	if err != nil || len(received) != 2 {
		t.Fatalf("by event = %+v err=%v", received, err)
	}
	deleted, err := s.DeleteWebhook("wh-0", "u-1")
	if err != nil || !deleted {
		t.Fatalf("delete webhook: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.DeleteWebhook("wh-0", "u-1")
	if err != nil || deleted {
		t.Fatalf("second delete should report missing: deleted=%v err=%v", deleted, err)
	}
}

func ids(msgs []domain.GatewayMessage) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += ","
		}
		out += m.ID
	}
	return out
}
