package repository

import (
	"context"
	"time"

	"closer/internal/models"

	"gorm.io/gorm"
)

// ChatRepository defines persistence for rooms, messages and read receipts.
type ChatRepository interface {
	GetRoomByKey(ctx context.Context, roomKey string) (*models.ChatRoom, error)
	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	ListRoomsForUser(ctx context.Context, userID uint) ([]*models.ChatRoom, error)
	TouchRoom(ctx context.Context, roomKey string, messageID uint, at time.Time) error

	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, id uint, content string) error
	GetMessages(ctx context.Context, roomKey string, limit, offset int) ([]*models.Message, error)
	CountMessages(ctx context.Context, roomKey string) (int64, error)

	MarkRoomRead(ctx context.Context, roomKey string, readerID uint, at time.Time) (int64, error)
	CountUnread(ctx context.Context, roomKey string, userID uint) (int64, error)
	CountUnreadByRoom(ctx context.Context, userID uint, roomKeys []string) (map[string]int64, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func orderedParticipants(db *gorm.DB) *gorm.DB {
	return db.Order("users.id ASC")
}

func (r *chatRepository) GetRoomByKey(ctx context.Context, roomKey string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).
		Preload("Participants", orderedParticipants).
		Preload("LastMessage").
		Preload("LastMessage.Sender").
		Where("room_key = ?", roomKey).
		First(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// CreateRoom inserts the room and its participant join rows in one transaction.
// Participant users must already exist; they are referenced, never upserted.
func (r *chatRepository) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	return r.db.WithContext(ctx).Omit("Participants.*").Create(room).Error
}

func (r *chatRepository) ListRoomsForUser(ctx context.Context, userID uint) ([]*models.ChatRoom, error) {
	var rooms []*models.ChatRoom
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_room_participants crp ON crp.chat_room_id = chat_rooms.id").
		Where("crp.user_id = ?", userID).
		Preload("Participants", orderedParticipants).
		Preload("LastMessage").
		Preload("LastMessage.Sender").
		Order("chat_rooms.last_activity_at DESC, chat_rooms.id DESC").
		Find(&rooms).Error
	return rooms, err
}

// TouchRoom moves the room's last-message pointer forward. It is a separate write
// from the message insert, so a crash in between leaves the pointer stale.
func (r *chatRepository) TouchRoom(ctx context.Context, roomKey string, messageID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("room_key = ?", roomKey).
		Updates(map[string]any{
			"last_message_id":  messageID,
			"last_activity_at": at,
		}).Error
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Omit("Sender", "Reads").Create(msg).Error
}

func (r *chatRepository) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Preload("Sender").Preload("Reads").First(&msg, id).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *chatRepository) UpdateMessageContent(ctx context.Context, id uint, content string) error {
	return r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"content": content, "edited": true}).Error
}

// GetMessages returns one page of a room's history, oldest first. The page is
// selected newest-first so page 1 always holds the latest messages.
func (r *chatRepository) GetMessages(ctx context.Context, roomKey string, limit, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("room_key = ?", roomKey).
		Preload("Sender").
		Preload("Reads").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *chatRepository) CountMessages(ctx context.Context, roomKey string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).Where("room_key = ?", roomKey).Count(&count).Error
	return count, err
}

const markRoomReadSQL = `
INSERT INTO message_reads (message_id, user_id, read_at)
SELECT m.id, ?, ? FROM messages m
WHERE m.room_key = ?
  AND (m.sender_id IS NULL OR m.sender_id <> ?)
  AND NOT EXISTS (
    SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
  )
ON CONFLICT DO NOTHING`

// MarkRoomRead appends a receipt from readerID to every message in the room that
// readerID did not send and has not read yet, as a single statement. It returns
// the number of receipts appended.
func (r *chatRepository) MarkRoomRead(ctx context.Context, roomKey string, readerID uint, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Exec(markRoomReadSQL, readerID, at, roomKey, readerID, readerID)
	return res.RowsAffected, res.Error
}

func unreadScope(userID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.
			Where("(messages.sender_id IS NULL OR messages.sender_id <> ?)", userID).
			Where("NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = messages.id AND r.user_id = ?)", userID)
	}
}

func (r *chatRepository) CountUnread(ctx context.Context, roomKey string, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Scopes(unreadScope(userID)).
		Where("messages.room_key = ?", roomKey).
		Count(&count).Error
	return count, err
}

// CountUnreadByRoom computes the unread count of each room from scratch in one
// grouped query. Rooms without unread messages are absent from the result.
func (r *chatRepository) CountUnreadByRoom(ctx context.Context, userID uint, roomKeys []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(roomKeys))
	if len(roomKeys) == 0 {
		return counts, nil
	}

	var rows []struct {
		RoomKey string
		Unread  int64
	}
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Select("messages.room_key AS room_key, COUNT(*) AS unread").
		Scopes(unreadScope(userID)).
		Where("messages.room_key IN ?", roomKeys).
		Group("messages.room_key").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.RoomKey] = row.Unread
	}
	return counts, nil
}
