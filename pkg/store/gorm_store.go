package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"smsinbox/pkg/domain"
)

const migrateLockID int64 = 57665766

const (
	defaultMessageLimit        = 50
	defaultGatewayMessageLimit = 50
)

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations. A postgres:// or
// postgresql:// DSN selects Postgres; anything else is a SQLite file path.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{Logger: gormLog, TranslateError: true}

	if isPostgresDSN(dsn) {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := withMigrationLock(db, migrate); err != nil {
			return nil, err
		}
		return &GormStore{db: db}, nil
	}

	if dir := filepath.Dir(dsn); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(sqliteDSN(dsn)), cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// SQLite allows one writer; a single connection serializes everything.
	sqlDB.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&MessageModel{},
		&ContactModel{},
		&UserModel{},
		&DeviceModel{},
		&GatewayMessageModel{},
		&MessageRecipientModel{},
		&GatewayWebhookModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func prefixPattern(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

// InsertMessage stores m unless a message with the same id already exists.
// It reports whether a row was written.
func (s *GormStore) InsertMessage(m domain.Message) (bool, error) {
	model := messageToModel(m)
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetMessage returns a message by full id.
func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// GetMessageByPrefix resolves a unique message from an id prefix.
func (s *GormStore) GetMessageByPrefix(prefix string) (domain.Message, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return domain.Message{}, ErrNotFound
	}
	var models []MessageModel
	if err := s.db.Where(`id LIKE ? ESCAPE '\'`, prefixPattern(prefix)).Limit(2).Find(&models).Error; err != nil {
		return domain.Message{}, err
	}
	switch len(models) {
	case 0:
		return domain.Message{}, ErrNotFound
	case 1:
		return messageFromModel(models[0]), nil
	default:
		return domain.Message{}, ErrAmbiguous
	}
}

// ListMessages returns messages newest first.
func (s *GormStore) ListMessages(f MessageFilter) ([]domain.Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	tx := s.db.Model(&MessageModel{})
	if f.Direction != "" {
		tx = tx.Where("direction = ?", string(f.Direction))
	}
	if f.Unread != nil {
		tx = tx.Where("is_read = ?", !*f.Unread)
	}
	if f.Phone != "" {
		tx = tx.Where("phone_number = ?", f.Phone)
	}
	var models []MessageModel
	if err := tx.Order("timestamp DESC").Limit(limit).Offset(max(f.Offset, 0)).Find(&models).Error; err != nil {
		return nil, err
	}
	return messagesFromModels(models), nil
}

// SetMessageRead toggles the read flag.
func (s *GormStore) SetMessageRead(id string, read bool) error {
	return s.db.Model(&MessageModel{}).Where("id = ?", id).Update("is_read", read).Error
}

// DeleteMessage removes a message.
func (s *GormStore) DeleteMessage(id string) error {
	return s.db.Delete(&MessageModel{}, "id = ?", id).Error
}

// SearchMessages does a substring match on message text, newest first.
// limit <= 0 returns every match.
func (s *GormStore) SearchMessages(query string, limit int) ([]domain.Message, error) {
	tx := s.db.Where(`text LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(query)+"%").Order("timestamp DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var models []MessageModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return messagesFromModels(models), nil
}

// Stats returns unread and total message counts.
func (s *GormStore) Stats() (MessageStats, error) {
	var stats MessageStats
	if err := s.db.Model(&MessageModel{}).Count(&stats.TotalMessages).Error; err != nil {
		return MessageStats{}, err
	}
	if err := s.db.Model(&MessageModel{}).Where("is_read = ?", false).Count(&stats.UnreadCount).Error; err != nil {
		return MessageStats{}, err
	}
	return stats, nil
}

type conversationRow struct {
	PhoneNumber   string
	ContactName   sql.NullString
	MessageCount  int
	UnreadCount   int
	LastMessageAt string
	LastMessage   sql.NullString
}

// ListConversations groups messages per phone number, most recent first.
func (s *GormStore) ListConversations() ([]domain.Conversation, error) {
	var rows []conversationRow
	err := s.db.Raw(`
		SELECT m.phone_number AS phone_number,
			c.name AS contact_name,
			COUNT(*) AS message_count,
			SUM(CASE WHEN m.is_read = ? AND m.direction = ? THEN 1 ELSE 0 END) AS unread_count,
			MAX(m.timestamp) AS last_message_at,
			(SELECT m2.text FROM message_models m2
				WHERE m2.phone_number = m.phone_number
				ORDER BY m2.timestamp DESC LIMIT 1) AS last_message
		FROM message_models m
		LEFT JOIN contact_models c ON c.phone_number = m.phone_number
		GROUP BY m.phone_number, c.name
		ORDER BY last_message_at DESC
	`, false, string(domain.DirectionIn)).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Conversation{
			PhoneNumber:   r.PhoneNumber,
			ContactName:   r.ContactName.String,
			MessageCount:  r.MessageCount,
			UnreadCount:   r.UnreadCount,
			LastMessageAt: r.LastMessageAt,
			LastMessage:   r.LastMessage.String,
		})
	}
	return out, nil
}

// GetConversation returns the thread with a phone number, oldest first.
func (s *GormStore) GetConversation(phone string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("phone_number = ?", phone).Order("timestamp ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return messagesFromModels(models), nil
}

// MarkConversationRead marks every inbound message from phone as read.
func (s *GormStore) MarkConversationRead(phone string) error {
	return s.db.Model(&MessageModel{}).
		Where("phone_number = ? AND direction = ?", phone, string(domain.DirectionIn)).
		Update("is_read", true).Error
}

// UpsertContact inserts or replaces a contact.
func (s *GormStore) UpsertContact(c domain.Contact) error {
	model := ContactModel{PhoneNumber: c.PhoneNumber, Name: c.Name}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&model).Error
}

// ListContacts returns contacts ordered by name.
func (s *GormStore) ListContacts() ([]domain.Contact, error) {
	var models []ContactModel
	if err := s.db.Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Contact, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Contact{PhoneNumber: m.PhoneNumber, Name: m.Name})
	}
	return out, nil
}

// DeleteContact removes a contact.
func (s *GormStore) DeleteContact(phone string) error {
	return s.db.Delete(&ContactModel{}, "phone_number = ?", phone).Error
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"login", "password_hash", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByLogin looks up a user by login.
func (s *GormStore) GetUserByLogin(login string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("login = ?", login).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateDevice stores a new device.
func (s *GormStore) CreateDevice(d domain.Device) error {
	model := deviceToModel(d)
	return s.db.Create(&model).Error
}

// GetDevice returns a device by ID.
func (s *GormStore) GetDevice(id string) (domain.Device, bool, error) {
	return s.findDevice("id = ?", id)
}

// GetDeviceByToken resolves a device bearer token.
func (s *GormStore) GetDeviceByToken(token string) (domain.Device, bool, error) {
	if token == "" {
		return domain.Device{}, false, nil
	}
	return s.findDevice("auth_token = ?", token)
}

// ActiveDevice returns the most recently seen device of a user.
func (s *GormStore) ActiveDevice(userID string) (domain.Device, bool, error) {
	var model DeviceModel
	if err := s.db.Where("user_id = ?", userID).Order("last_seen DESC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Device{}, false, nil
		}
		return domain.Device{}, false, err
	}
	return deviceFromModel(model), true, nil
}

func (s *GormStore) findDevice(query string, args ...any) (domain.Device, bool, error) {
	var model DeviceModel
	if err := s.db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Device{}, false, nil
		}
		return domain.Device{}, false, err
	}
	return deviceFromModel(model), true, nil
}

// ListDevices returns a user's devices, newest first.
func (s *GormStore) ListDevices(userID string) ([]domain.Device, error) {
	var models []DeviceModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Device, 0, len(models))
	for _, m := range models {
		out = append(out, deviceFromModel(m))
	}
	return out, nil
}

// TouchDevice records device activity.
func (s *GormStore) TouchDevice(id string, at time.Time) error {
	return s.db.Model(&DeviceModel{}).Where("id = ?", id).Update("last_seen", at.UTC()).Error
}

// UpdateDevice applies the non-nil fields of upd.
func (s *GormStore) UpdateDevice(id string, upd DeviceUpdate) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if upd.Name != nil {
		updates["name"] = *upd.Name
	}
	if upd.PushToken != nil {
		updates["push_token"] = optionalString(*upd.PushToken)
	}
	return s.db.Model(&DeviceModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteDevice removes a device owned by userID.
func (s *GormStore) DeleteDevice(id, userID string) (bool, error) {
	res := s.db.Delete(&DeviceModel{}, "id = ? AND user_id = ?", id, userID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// EnqueueGatewayMessage writes the message and one recipient row per phone
// number in a single transaction.
func (s *GormStore) EnqueueGatewayMessage(m domain.GatewayMessage) error {
	if len(m.PhoneNumbers) == 0 {
		return errors.New("gateway message requires at least one phone number")
	}
	model, err := gatewayMessageToModel(m)
	if err != nil {
		return fmt.Errorf("encode phone numbers: %w", err)
	}
	recipients := make([]MessageRecipientModel, 0, len(m.PhoneNumbers))
	for _, phone := range m.PhoneNumbers {
		recipients = append(recipients, MessageRecipientModel{
			MessageID:   m.ID,
			PhoneNumber: phone,
			State:       string(domain.StatePending),
		})
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Create(&recipients).Error
	})
}

// GetGatewayMessage returns a gateway message with its recipients.
func (s *GormStore) GetGatewayMessage(id string) (domain.GatewayMessage, bool, error) {
	var model GatewayMessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.GatewayMessage{}, false, nil
		}
		return domain.GatewayMessage{}, false, err
	}
	msgs, err := s.withRecipients([]GatewayMessageModel{model})
	if err != nil {
		return domain.GatewayMessage{}, false, err
	}
	return msgs[0], true, nil
}

// GetGatewayMessageByPrefix resolves a unique gateway message from an id prefix.
func (s *GormStore) GetGatewayMessageByPrefix(prefix string) (domain.GatewayMessage, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return domain.GatewayMessage{}, ErrNotFound
	}
	var models []GatewayMessageModel
	if err := s.db.Where(`id LIKE ? ESCAPE '\'`, prefixPattern(prefix)).Limit(2).Find(&models).Error; err != nil {
		return domain.GatewayMessage{}, err
	}
	switch len(models) {
	case 0:
		return domain.GatewayMessage{}, ErrNotFound
	case 1:
		msgs, err := s.withRecipients(models)
		if err != nil {
			return domain.GatewayMessage{}, err
		}
		return msgs[0], nil
	default:
		return domain.GatewayMessage{}, ErrAmbiguous
	}
}

// ListPendingMessages returns Pending messages addressed to deviceID or to no
// device, skipping messages whose validUntil is before now.
func (s *GormStore) ListPendingMessages(deviceID string, order domain.ProcessingOrder, now time.Time) ([]domain.GatewayMessage, error) {
	dir := "ASC"
	if order == domain.OrderLIFO {
		dir = "DESC"
	}
	var models []GatewayMessageModel
	err := s.db.
		Where("(device_id = ? OR device_id IS NULL) AND state = ?", deviceID, string(domain.StatePending)).
		Where("(valid_until IS NULL OR valid_until > ?)", now.UTC()).
		Order("created_at " + dir).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return s.withRecipients(models)
}

// ListGatewayMessages pages through a user's gateway messages, newest first.
func (s *GormStore) ListGatewayMessages(userID string, state domain.ProcessingState, limit, offset int) ([]domain.GatewayMessage, error) {
	if limit <= 0 {
		limit = defaultGatewayMessageLimit
	}
	tx := s.db.Where("user_id = ?", userID)
	if state != "" {
		tx = tx.Where("state = ?", string(state))
	}
	var models []GatewayMessageModel
	if err := tx.Order("created_at DESC").Limit(limit).Offset(max(offset, 0)).Find(&models).Error; err != nil {
		return nil, err
	}
	return s.withRecipients(models)
}

// ApplyStateReport updates a message and its reported recipients atomically.
// It returns false when the message does not exist.
func (s *GormStore) ApplyStateReport(report StateReport, deviceID string) (bool, error) {
	found := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		ok, err := updateGatewayState(tx, report.ID, report.State, deviceID)
		if err != nil || !ok {
			return err
		}
		found = true
		for _, r := range report.Recipients {
			if err := updateRecipientState(tx, report.ID, r.PhoneNumber, r.State, r.Error); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func updateGatewayState(db *gorm.DB, id string, state domain.ProcessingState, deviceID string) (bool, error) {
	updates := map[string]any{
		"state":      string(state),
		"updated_at": time.Now().UTC(),
	}
	if deviceID != "" {
		updates["device_id"] = deviceID
	}
	res := db.Model(&GatewayMessageModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func updateRecipientState(db *gorm.DB, messageID, phone string, state domain.ProcessingState, errMsg string) error {
	return db.Model(&MessageRecipientModel{}).
		Where("message_id = ? AND phone_number = ?", messageID, phone).
		Updates(map[string]any{
			"state": string(state),
			"error": optionalString(errMsg),
		}).Error
}

func (s *GormStore) withRecipients(models []GatewayMessageModel) ([]domain.GatewayMessage, error) {
	if len(models) == 0 {
		return []domain.GatewayMessage{}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var recipients []MessageRecipientModel
	if err := s.db.Where("message_id IN ?", ids).Order("id ASC").Find(&recipients).Error; err != nil {
		return nil, err
	}
	byMessage := make(map[string][]domain.MessageRecipient, len(models))
	for _, r := range recipients {
		byMessage[r.MessageID] = append(byMessage[r.MessageID], recipientFromModel(r))
	}
	out := make([]domain.GatewayMessage, 0, len(models))
	for _, m := range models {
		msg := gatewayMessageFromModel(m)
		msg.Recipients = byMessage[m.ID]
		out = append(out, msg)
	}
	return out, nil
}

// CreateWebhook registers a subscriber.
func (s *GormStore) CreateWebhook(w domain.GatewayWebhook) error {
	model := webhookToModel(w)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// ListWebhooks returns a user's subscribers ordered by event.
func (s *GormStore) ListWebhooks(userID string) ([]domain.GatewayWebhook, error) {
	return s.listWebhooks("user_id = ?", userID)
}

// WebhooksByEvent returns every subscriber for an event.
func (s *GormStore) WebhooksByEvent(event string) ([]domain.GatewayWebhook, error) {
	return s.listWebhooks("event = ?", event)
}

func (s *GormStore) listWebhooks(query string, args ...any) ([]domain.GatewayWebhook, error) {
	var models []GatewayWebhookModel
	if err := s.db.Where(query, args...).Order("event ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.GatewayWebhook, 0, len(models))
	for _, m := range models {
		out = append(out, webhookFromModel(m))
	}
	return out, nil
}

// DeleteWebhook removes a subscriber owned by userID.
func (s *GormStore) DeleteWebhook(id, userID string) (bool, error) {
	res := s.db.Delete(&GatewayWebhookModel{}, "id = ? AND user_id = ?", id, userID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func messagesFromModels(models []MessageModel) []domain.Message {
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m))
	}
	return out
}
