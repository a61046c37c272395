package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"closer/internal/models"
	"closer/internal/notifications"
	"closer/internal/observability"
	"closer/internal/repository"

	"gorm.io/gorm"
)

// Message origins, recorded in MessagesTotal.
const (
	OriginREST = "rest"
	OriginLive = "live"
	OriginAI   = "ai"
)

// SendMessageInput is the input for appending a user message.
type SendMessageInput struct {
	RoomKey  string
	SenderID uint
	Content  string
	Origin   string
}

// MessagePage is one page of room history, oldest first.
type MessagePage struct {
	Messages   []*models.Message `json:"messages"`
	Pagination MessagePagination `json:"pagination"`
}

// MessageService appends, lists and marks room messages, and fans new messages
// out to the live channel and the notification service.
type MessageService struct {
	chatRepo  repository.ChatRepository
	rooms     *RoomService
	notifier  *NotificationService
	publisher Publisher
	pages     PageDefaults
	now       func() time.Time
}

// NewMessageService returns a new MessageService. notifier and publisher may be nil.
func NewMessageService(
	chatRepo repository.ChatRepository,
	rooms *RoomService,
	notifier *NotificationService,
	publisher Publisher,
	pages PageDefaults,
) *MessageService {
	if pages.Limit <= 0 {
		pages = DefaultPageDefaults
	}
	return &MessageService{
		chatRepo:  chatRepo,
		rooms:     rooms,
		notifier:  notifier,
		publisher: publisherOrNoop(publisher),
		pages:     pages,
		now:       time.Now,
	}
}

// PageDefaults returns the configured page bounds.
func (s *MessageService) PageDefaults() PageDefaults { return s.pages }

// AppendMessage persists a message from a participant. The room's last-message
// pointer is moved by a second write; if that write fails the message still
// stands and the pointer stays stale until the next message.
func (s *MessageService) AppendMessage(ctx context.Context, in SendMessageInput) (*models.Message, *models.ChatRoom, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, nil, models.NewValidationError("Message content cannot be empty")
	}

	room, err := s.rooms.GetRoomForParticipant(ctx, in.RoomKey, in.SenderID)
	if err != nil {
		return nil, nil, err
	}

	senderID := in.SenderID
	msg := &models.Message{
		RoomKey:   room.RoomKey,
		SenderID:  &senderID,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.persist(ctx, msg, originOr(in.Origin, OriginREST)); err != nil {
		return nil, nil, err
	}

	for i := range room.Participants {
		if room.Participants[i].ID == in.SenderID {
			msg.Sender = &room.Participants[i]
			break
		}
	}
	msg.ResolveAuthor(s.rooms.AISender())
	return msg, room, nil
}

// AppendAIMessage persists a chatbot reply, which has no sender.
func (s *MessageService) AppendAIMessage(ctx context.Context, roomKey, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidationError("Message content cannot be empty")
	}
	msg := &models.Message{RoomKey: roomKey, Content: content, CreatedAt: s.now()}
	if err := s.persist(ctx, msg, OriginAI); err != nil {
		return nil, err
	}
	msg.ResolveAuthor(s.rooms.AISender())
	return msg, nil
}

func (s *MessageService) persist(ctx context.Context, msg *models.Message, origin string) error {
	ctx, span := observability.StartSpan(ctx, "message.append",
		observability.AttrRoomKey.String(msg.RoomKey), observability.AttrMessageOrigin.String(origin))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if err = s.chatRepo.CreateMessage(ctx, msg); err != nil {
		return models.NewInternalError(err)
	}
	observability.MessagesTotal.WithLabelValues(origin).Inc()

	if touchErr := s.chatRepo.TouchRoom(ctx, msg.RoomKey, msg.ID, msg.CreatedAt); touchErr != nil {
		observability.RepoLogger("chat_rooms", "touch").WarnContext(ctx, "failed to update room last message",
			slog.String("room_key", msg.RoomKey), slog.Uint64("message_id", uint64(msg.ID)),
			slog.String("error", touchErr.Error()))
	}
	return nil
}

// Send is the REST path: persist, broadcast to the room, then notify the other
// participants.
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	msg, room, err := s.AppendMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.publisher.PublishToRoom(ctx, room.RoomKey, notifications.EventReceiveMessage, msg); err != nil {
		observability.Logger.WarnContext(ctx, "failed to broadcast message",
			slog.String("room_key", room.RoomKey), slog.String("error", err.Error()))
	}
	s.notifyRecipients(ctx, room, msg)
	return msg, nil
}

// PersistAndNotify is the live path, run after the frame was already broadcast
// to the room: persist, then notify the other participants.
func (s *MessageService) PersistAndNotify(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	in.Origin = OriginLive
	msg, room, err := s.AppendMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	s.notifyRecipients(ctx, room, msg)
	return msg, nil
}

func (s *MessageService) notifyRecipients(ctx context.Context, room *models.ChatRoom, msg *models.Message) {
	if s.notifier == nil || room.IsChatbot || msg.IsFromAI() {
		return
	}
	senderName := ""
	if msg.Author != nil {
		senderName = msg.Author.Username
	}
	for _, p := range room.Participants {
		if p.ID == *msg.SenderID {
			continue
		}
		_, err := s.notifier.Notify(ctx, NotifyInput{
			Type:        models.NotificationMessage,
			RecipientID: p.ID,
			SenderID:    *msg.SenderID,
			Message:     fmt.Sprintf("%s sent you a message", senderName),
			Payload:     map[string]any{"roomKey": room.RoomKey, "messageId": msg.ID},
		})
		if err != nil {
			observability.Logger.WarnContext(ctx, "failed to notify message recipient",
				slog.Uint64("recipient_id", uint64(p.ID)), slog.String("error", err.Error()))
		}
	}
}

// ListMessages returns one page of the room's history for a participant.
func (s *MessageService) ListMessages(ctx context.Context, roomKey string, userID uint, page, limit int) (*MessagePage, error) {
	if _, err := s.rooms.GetRoomForParticipant(ctx, roomKey, userID); err != nil {
		return nil, err
	}
	page, limit = normalizePage(page, limit, s.pages)

	total, err := s.chatRepo.CountMessages(ctx, roomKey)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	w := newPageWindow(page, limit, total)

	messages, err := s.chatRepo.GetMessages(ctx, roomKey, limit, w.offset())
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, m := range messages {
		m.ResolveAuthor(s.rooms.AISender())
	}

	return &MessagePage{
		Messages: messages,
		Pagination: MessagePagination{
			CurrentPage:   w.page,
			TotalPages:    w.totalPages,
			TotalMessages: total,
			Limit:         w.limit,
			HasNextPage:   w.hasNext,
			HasPrevPage:   w.hasPrev,
		},
	}, nil
}

// MarkRead records receipts from readerID for every message in the room they did
// not send, and tells the room how many were marked.
func (s *MessageService) MarkRead(ctx context.Context, roomKey string, readerID uint) (int64, error) {
	if _, err := s.rooms.GetRoomForParticipant(ctx, roomKey, readerID); err != nil {
		return 0, err
	}
	marked, err := s.chatRepo.MarkRoomRead(ctx, roomKey, readerID, s.now())
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	if marked > 0 {
		payload := map[string]any{"roomKey": roomKey, "readerId": readerID, "marked": marked}
		if err := s.publisher.PublishToRoom(ctx, roomKey, notifications.EventMessagesRead, payload); err != nil {
			observability.Logger.WarnContext(ctx, "failed to broadcast read receipts",
				slog.String("room_key", roomKey), slog.String("error", err.Error()))
		}
	}
	return marked, nil
}

// UnreadCount counts the room's messages from others that userID has not read.
func (s *MessageService) UnreadCount(ctx context.Context, roomKey string, userID uint) (int64, error) {
	if _, err := s.rooms.GetRoomForParticipant(ctx, roomKey, userID); err != nil {
		return 0, err
	}
	n, err := s.chatRepo.CountUnread(ctx, roomKey, userID)
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	return n, nil
}

// EditMessage replaces the content of the editor's own message and tells the room.
func (s *MessageService) EditMessage(ctx context.Context, messageID, editorID uint, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidationError("Message content cannot be empty")
	}

	msg, err := s.chatRepo.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", messageID)
		}
		return nil, models.NewInternalError(err)
	}
	if msg.SenderID == nil || *msg.SenderID != editorID {
		return nil, models.NewForbiddenError("You can only edit your own messages")
	}

	if err := s.chatRepo.UpdateMessageContent(ctx, messageID, content); err != nil {
		return nil, models.NewInternalError(err)
	}
	msg.Content = content
	msg.Edited = true
	msg.ResolveAuthor(s.rooms.AISender())

	if err := s.publisher.PublishToRoom(ctx, msg.RoomKey, notifications.EventMessageEdited, msg); err != nil {
		observability.Logger.WarnContext(ctx, "failed to broadcast message edit",
			slog.String("room_key", msg.RoomKey), slog.String("error", err.Error()))
	}
	return msg, nil
}

func originOr(origin, fallback string) string {
	if origin == "" {
		return fallback
	}
	return origin
}
