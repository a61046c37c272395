package service

import (
	"context"
	"log/slog"
	"strings"

	"closer/internal/models"
	"closer/internal/notifications"
	"closer/internal/observability"
)

// ChatbotExchange is one persisted prompt and its reply.
type ChatbotExchange struct {
	Prompt *models.Message `json:"prompt"`
	Reply  *models.Message `json:"reply"`
}

// ChatbotService persists chatbot conversations. Replies are produced elsewhere
// and arrive here already generated.
type ChatbotService struct {
	rooms     *RoomService
	messages  *MessageService
	publisher Publisher
}

// NewChatbotService returns a new ChatbotService.
func NewChatbotService(rooms *RoomService, messages *MessageService, publisher Publisher) *ChatbotService {
	return &ChatbotService{rooms: rooms, messages: messages, publisher: publisherOrNoop(publisher)}
}

// Room returns the user's chatbot room.
func (s *ChatbotService) Room(ctx context.Context, userID uint) (*models.ChatRoom, error) {
	return s.rooms.GetOrCreateChatbotRoom(ctx, userID)
}

// Exchange stores the user's prompt followed by the AI reply.
func (s *ChatbotService) Exchange(ctx context.Context, userID uint, prompt, reply string) (*ChatbotExchange, error) {
	if strings.TrimSpace(prompt) == "" || strings.TrimSpace(reply) == "" {
		return nil, models.NewValidationError("Prompt and reply are required")
	}
	room, err := s.rooms.GetOrCreateChatbotRoom(ctx, userID)
	if err != nil {
		return nil, err
	}

	userMsg, _, err := s.messages.AppendMessage(ctx, SendMessageInput{
		RoomKey:  room.RoomKey,
		SenderID: userID,
		Content:  prompt,
	})
	if err != nil {
		return nil, err
	}
	aiMsg, err := s.messages.AppendAIMessage(ctx, room.RoomKey, reply)
	if err != nil {
		return nil, err
	}

	for _, m := range []*models.Message{userMsg, aiMsg} {
		if err := s.publisher.PublishToRoom(ctx, room.RoomKey, notifications.EventReceiveMessage, m); err != nil {
			observability.Logger.WarnContext(ctx, "failed to broadcast chatbot message",
				slog.String("room_key", room.RoomKey), slog.String("error", err.Error()))
		}
	}
	return &ChatbotExchange{Prompt: userMsg, Reply: aiMsg}, nil
}
