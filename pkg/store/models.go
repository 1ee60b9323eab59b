package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"smsinbox/pkg/domain"
)

// GORM models used for persistence.
type MessageModel struct {
	ID               string `gorm:"primaryKey;size:32"`
	PhoneNumber      string `gorm:"not null;index"`
	Text             string `gorm:"type:text;not null"`
	Direction        string `gorm:"not null;index"`
	Timestamp        string `gorm:"not null;index"`
	IsRead           bool   `gorm:"not null"`
	SimNumber        int    `gorm:"not null"`
	GatewayMessageID *string
}

type ContactModel struct {
	PhoneNumber string `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
}

type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Login        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type DeviceModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	Name      string
	PushToken *string
	AuthToken string    `gorm:"uniqueIndex;not null"`
	LastSeen  time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type GatewayMessageModel struct {
	ID                 string         `gorm:"primaryKey"`
	UserID             string         `gorm:"not null;index"`
	DeviceID           *string        `gorm:"index"`
	State              string         `gorm:"not null;default:Pending;index"`
	PhoneNumbers       datatypes.JSON `gorm:"not null"`
	Text               string         `gorm:"type:text;not null"`
	SimNumber          int            `gorm:"not null"`
	IsEncrypted        bool           `gorm:"not null"`
	WithDeliveryReport bool           `gorm:"not null"`
	ValidUntil         *time.Time
	CreatedAt          time.Time `gorm:"not null;index"`
	UpdatedAt          time.Time `gorm:"not null"`
}

type MessageRecipientModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	MessageID   string `gorm:"not null;index:idx_recipient_message_phone"`
	PhoneNumber string `gorm:"not null;index:idx_recipient_message_phone"`
	State       string `gorm:"not null;default:Pending"`
	Error       *string
}

type GatewayWebhookModel struct {
	ID       string `gorm:"primaryKey"`
	UserID   string `gorm:"not null;index"`
	DeviceID *string
	URL      string `gorm:"not null"`
	Event    string `gorm:"not null;index"`
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:               m.ID,
		PhoneNumber:      m.PhoneNumber,
		Text:             m.Text,
		Direction:        string(m.Direction),
		Timestamp:        m.Timestamp,
		IsRead:           m.Read,
		SimNumber:        m.SimNumber,
		GatewayMessageID: optionalString(m.GatewayMessageID),
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:               m.ID,
		PhoneNumber:      m.PhoneNumber,
		Text:             m.Text,
		Direction:        domain.Direction(m.Direction),
		Timestamp:        m.Timestamp,
		Read:             m.IsRead,
		SimNumber:        m.SimNumber,
		GatewayMessageID: derefString(m.GatewayMessageID),
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Login:        u.Login,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Login:        m.Login,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func deviceToModel(d domain.Device) DeviceModel {
	return DeviceModel{
		ID:        d.ID,
		UserID:    d.UserID,
		Name:      d.Name,
		PushToken: optionalString(d.PushToken),
		AuthToken: d.AuthToken,
		LastSeen:  d.LastSeen,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func deviceFromModel(m DeviceModel) domain.Device {
	return domain.Device{
		ID:        m.ID,
		UserID:    m.UserID,
		Name:      m.Name,
		PushToken: derefString(m.PushToken),
		AuthToken: m.AuthToken,
		LastSeen:  m.LastSeen,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func gatewayMessageToModel(m domain.GatewayMessage) (GatewayMessageModel, error) {
	phones, err := json.Marshal(m.PhoneNumbers)
	if err != nil {
		return GatewayMessageModel{}, err
	}
	return GatewayMessageModel{
		ID:                 m.ID,
		UserID:             m.UserID,
		DeviceID:           optionalString(m.DeviceID),
		State:              string(m.State),
		PhoneNumbers:       datatypes.JSON(phones),
		Text:               m.Text,
		SimNumber:          m.SimNumber,
		IsEncrypted:        m.IsEncrypted,
		WithDeliveryReport: m.WithDeliveryReport,
		ValidUntil:         m.ValidUntil,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}, nil
}

func gatewayMessageFromModel(m GatewayMessageModel) domain.GatewayMessage {
	var phones []string
	if len(m.PhoneNumbers) > 0 {
		_ = json.Unmarshal(m.PhoneNumbers, &phones)
	}
	return domain.GatewayMessage{
		ID:                 m.ID,
		UserID:             m.UserID,
		DeviceID:           derefString(m.DeviceID),
		State:              domain.ProcessingState(m.State),
		PhoneNumbers:       phones,
		Text:               m.Text,
		SimNumber:          m.SimNumber,
		IsEncrypted:        m.IsEncrypted,
		WithDeliveryReport: m.WithDeliveryReport,
		ValidUntil:         m.ValidUntil,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func recipientFromModel(m MessageRecipientModel) domain.MessageRecipient {
	return domain.MessageRecipient{
		ID:          m.ID,
		MessageID:   m.MessageID,
		PhoneNumber: m.PhoneNumber,
		State:       domain.ProcessingState(m.State),
		Error:       derefString(m.Error),
	}
}

func webhookToModel(w domain.GatewayWebhook) GatewayWebhookModel {
	return GatewayWebhookModel{
		ID:       w.ID,
		UserID:   w.UserID,
		DeviceID: optionalString(w.DeviceID),
		URL:      w.URL,
		Event:    w.Event,
	}
}

func webhookFromModel(m GatewayWebhookModel) domain.GatewayWebhook {
	return domain.GatewayWebhook{
		ID:       m.ID,
		UserID:   m.UserID,
		DeviceID: derefString(m.DeviceID),
		URL:      m.URL,
		Event:    m.Event,
	}
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
