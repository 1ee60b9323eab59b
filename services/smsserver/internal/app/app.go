package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"smsinbox/pkg/broker"
	"smsinbox/pkg/domain"
	"smsinbox/pkg/storage"
	"smsinbox/pkg/store"
	"smsinbox/services/smsserver/internal/gateway"
	"smsinbox/services/smsserver/internal/webhooks"
)

const (
	defaultGatewayListLimit = 20
	searchLimit             = 0
)

// Config holds runtime dependencies for the core application.
type Config struct {
	Store      store.Store
	Gateway    gateway.Gateway
	Dispatcher webhooks.Dispatcher
	// Archive and Broker are optional sinks for inbound payloads and events.
	Archive storage.ObjectStore
	Broker  broker.Publisher

	TenantID   string
	PublicURL  string
	SigningKey string
	Now        func() time.Time
}

// App is the core application service wiring storage, the gateway facade and
// notification fan-out together.
type App struct {
	store      store.Store
	gateway    gateway.Gateway
	dispatcher webhooks.Dispatcher
	archive    storage.ObjectStore
	broker     broker.Publisher

	tenantID   string
	publicURL  string
	signingKey string
	now        func() time.Time

	// serializes first-registration so concurrent devices share one login
	regMu sync.Mutex
	bg    sync.WaitGroup
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("gateway required")
	}
	if strings.TrimSpace(cfg.TenantID) == "" {
		return nil, errors.New("tenant id required")
	}
	pub := cfg.Broker
	if pub == nil {
		pub = broker.NoopPublisher{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		dispatcher: cfg.Dispatcher,
		archive:    cfg.Archive,
		broker:     pub,
		tenantID:   cfg.TenantID,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		signingKey: cfg.SigningKey,
		now:        now,
	}, nil
}

// Health returns message counters.
func (a *App) Health() (store.MessageStats, error) {
	return a.store.Stats()
}

// ListMessages returns messages matching f, newest first.
func (a *App) ListMessages(f store.MessageFilter) ([]domain.Message, error) {
	return a.store.ListMessages(f)
}

// GetMessage resolves a full id or a unique id prefix.
func (a *App) GetMessage(idOrPrefix string) (domain.Message, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return domain.Message{}, notFound("Message not found")
	}
	msg, ok, err := a.store.GetMessage(idOrPrefix)
	if err != nil {
		return domain.Message{}, err
	}
	if ok {
		return msg, nil
	}
	msg, err = a.store.GetMessageByPrefix(idOrPrefix)
	if err != nil {
		return domain.Message{}, translateLookup(err, "Message not found")
	}
	return msg, nil
}

// SetRead toggles the read flag of a message.
func (a *App) SetRead(id string, read bool) error {
	msg, err := a.GetMessage(id)
	if err != nil {
		return err
	}
	return a.store.SetMessageRead(msg.ID, read)
}

// DeleteMessage removes a message by id or prefix.
func (a *App) DeleteMessage(idOrPrefix string) error {
	msg, err := a.GetMessage(idOrPrefix)
	if err != nil {
		return err
	}
	if err := a.store.DeleteMessage(msg.ID); err != nil {
		return err
	}
	if msg.Direction == domain.DirectionIn {
		a.dropArchived(msg.ID)
	}
	return nil
}

// Search does a substring search over message text.
func (a *App) Search(query string) ([]domain.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalid("q parameter is required")
	}
	return a.store.SearchMessages(query, searchLimit)
}

// ListConversations returns per-phone summaries.
func (a *App) ListConversations() ([]domain.Conversation, error) {
	return a.store.ListConversations()
}

// GetConversation returns the thread for phone, oldest first.
func (a *App) GetConversation(phone string) ([]domain.Message, error) {
	msgs, err := a.store.GetConversation(phone)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, notFound("No messages found for this number")
	}
	return msgs, nil
}

// MarkConversationRead marks all inbound messages from phone as read.
func (a *App) MarkConversationRead(phone string) error {
	return a.store.MarkConversationRead(phone)
}

// ListContacts returns contacts by name.
func (a *App) ListContacts() ([]domain.Contact, error) {
	return a.store.ListContacts()
}

// UpsertContact inserts or replaces a contact.
func (a *App) UpsertContact(c domain.Contact) (domain.Contact, error) {
	c.PhoneNumber = strings.TrimSpace(c.PhoneNumber)
	c.Name = strings.TrimSpace(c.Name)
	if c.PhoneNumber == "" || c.Name == "" {
		return domain.Contact{}, invalid("phone and name are required")
	}
	if err := a.store.UpsertContact(c); err != nil {
		return domain.Contact{}, err
	}
	return c, nil
}

// DeleteContact removes a contact. Unknown phones are not an error.
func (a *App) DeleteContact(phone string) error {
	return a.store.DeleteContact(phone)
}

func translateLookup(err error, msg string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound(msg)
	case errors.Is(err, store.ErrAmbiguous):
		return fmt.Errorf("%w: multiple matches, use a longer id", ErrAmbiguous)
	default:
		return err
	}
}

// publish sends an event to the broker in the background.
func (a *App) publish(ctx context.Context, routingKey string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("event encode failed", "routing_key", routingKey, "err", err)
		return
	}
	pubCtx := context.WithoutCancel(ctx)
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		ctx, cancel := context.WithTimeout(pubCtx, 5*time.Second)
		defer cancel()
		if err := a.broker.Publish(ctx, routingKey, body); err != nil {
			slog.Warn("event publish failed", "routing_key", routingKey, "err", err)
		}
	}()
}

// Wait blocks until background work started by the app (event publishing,
// webhook fan-out) has finished.
func (a *App) Wait() {
	a.bg.Wait()
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
}

func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
