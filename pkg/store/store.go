package store

import (
	"errors"
	"time"

	"smsinbox/pkg/domain"
)

var (
	// ErrNotFound is returned by prefix lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned by prefix lookups that match more than one row.
	ErrAmbiguous = errors.New("ambiguous id prefix")
	// ErrConflict is returned when a caller-chosen id is already taken.
	ErrConflict = errors.New("already exists")
)

// MessageFilter narrows ListMessages. Zero values mean "no filter".
type MessageFilter struct {
	Direction domain.Direction
	Unread    *bool
	Phone     string
	Limit     int
	Offset    int
}

// MessageStats backs the health endpoint.
type MessageStats struct {
	UnreadCount   int64 `json:"unread_count"`
	TotalMessages int64 `json:"total_messages"`
}

// DeviceUpdate carries optional device field changes; nil leaves a field as is.
type DeviceUpdate struct {
	Name      *string
	PushToken *string
}

// StateReport is a device-reported delivery update for one gateway message.
type StateReport struct {
	ID         string
	State      domain.ProcessingState
	Recipients []domain.MessageRecipient
}

// Store defines persistence for messages, contacts, devices and the
// outbound gateway queue.
type Store interface {
	// messages
	InsertMessage(domain.Message) (bool, error)
	GetMessage(id string) (domain.Message, bool, error)
	GetMessageByPrefix(prefix string) (domain.Message, error)
	ListMessages(MessageFilter) ([]domain.Message, error)
	SetMessageRead(id string, read bool) error
	DeleteMessage(id string) error
	SearchMessages(query string, limit int) ([]domain.Message, error)
	Stats() (MessageStats, error)

	// conversations
	ListConversations() ([]domain.Conversation, error)
	GetConversation(phone string) ([]domain.Message, error)
	MarkConversationRead(phone string) error

	// contacts
	UpsertContact(domain.Contact) error
	ListContacts() ([]domain.Contact, error)
	DeleteContact(phone string) error

	// users & devices
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByLogin(login string) (domain.User, bool, error)
	CreateDevice(domain.Device) error
	GetDevice(id string) (domain.Device, bool, error)
	GetDeviceByToken(token string) (domain.Device, bool, error)
	ActiveDevice(userID string) (domain.Device, bool, error)
	ListDevices(userID string) ([]domain.Device, error)
	TouchDevice(id string, at time.Time) error
	UpdateDevice(id string, upd DeviceUpdate) error
	DeleteDevice(id, userID string) (bool, error)

	// gateway queue
	EnqueueGatewayMessage(domain.GatewayMessage) error
	GetGatewayMessage(id string) (domain.GatewayMessage, bool, error)
	GetGatewayMessageByPrefix(prefix string) (domain.GatewayMessage, error)
	ListPendingMessages(deviceID string, order domain.ProcessingOrder, now time.Time) ([]domain.GatewayMessage, error)
	ListGatewayMessages(userID string, state domain.ProcessingState, limit, offset int) ([]domain.GatewayMessage, error)
	ApplyStateReport(report StateReport, deviceID string) (bool, error)

	// webhooks
	CreateWebhook(domain.GatewayWebhook) error
	ListWebhooks(userID string) ([]domain.GatewayWebhook, error)
	WebhooksByEvent(event string) ([]domain.GatewayWebhook, error)
	DeleteWebhook(id, userID string) (bool, error)
}
