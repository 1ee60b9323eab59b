package domain

import "time"

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ProcessingState is shared by gateway messages and their recipients.
type ProcessingState string

const (
	StatePending   ProcessingState = "Pending"
	StateProcessed ProcessingState = "Processed"
	StateSent      ProcessingState = "Sent"
	StateDelivered ProcessingState = "Delivered"
	StateFailed    ProcessingState = "Failed"
)

// ParseProcessingState accepts the five known state names exactly.
func ParseProcessingState(raw string) (ProcessingState, bool) {
	switch ProcessingState(raw) {
	case StatePending, StateProcessed, StateSent, StateDelivered, StateFailed:
		return ProcessingState(raw), true
	default:
		return "", false
	}
}

// ProcessingOrder controls how the pending queue is handed to a device.
type ProcessingOrder string

const (
	OrderFIFO ProcessingOrder = "FIFO"
	OrderLIFO ProcessingOrder = "LIFO"
)

// EventSMSReceived is the only webhook event the server produces today.
const EventSMSReceived = "sms:received"

type Message struct {
	ID               string    `json:"id"`
	PhoneNumber      string    `json:"phone_number"`
	Text             string    `json:"text"`
	Direction        Direction `json:"direction"`
	Timestamp        string    `json:"timestamp"`
	Read             bool      `json:"read"`
	SimNumber        int       `json:"sim_number"`
	GatewayMessageID string    `json:"gateway_message_id,omitempty"`
}

type Contact struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
}

// Conversation is a per-phone summary derived from messages.
type Conversation struct {
	PhoneNumber   string `json:"phone_number"`
	ContactName   string `json:"contact_name,omitempty"`
	MessageCount  int    `json:"message_count"`
	UnreadCount   int    `json:"unread_count"`
	LastMessageAt string `json:"last_message_at"`
	LastMessage   string `json:"last_message"`
}

type User struct {
	ID           string    `json:"id"`
	Login        string    `json:"login"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Device struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	PushToken string    `json:"pushToken,omitempty"`
	AuthToken string    `json:"-"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GatewayMessage is an outbound send request waiting for a device.
// An empty DeviceID means any device may claim it.
type GatewayMessage struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"userId"`
	DeviceID           string             `json:"deviceId,omitempty"`
	State              ProcessingState    `json:"state"`
	PhoneNumbers       []string           `json:"phoneNumbers"`
	Text               string             `json:"text"`
	SimNumber          int                `json:"simNumber"`
	IsEncrypted        bool               `json:"isEncrypted"`
	WithDeliveryReport bool               `json:"withDeliveryReport"`
	ValidUntil         *time.Time         `json:"validUntil,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
	Recipients         []MessageRecipient `json:"recipients,omitempty"`
}

type MessageRecipient struct {
	ID          int64           `json:"-"`
	MessageID   string          `json:"-"`
	PhoneNumber string          `json:"phoneNumber"`
	State       ProcessingState `json:"state"`
	Error       string          `json:"error,omitempty"`
}

type GatewayWebhook struct {
	ID       string `json:"id"`
	UserID   string `json:"-"`
	DeviceID string `json:"deviceId,omitempty"`
	URL      string `json:"url"`
	Event    string `json:"event"`
}
