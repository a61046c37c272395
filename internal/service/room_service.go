package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"closer/internal/database"
	"closer/internal/models"
	"closer/internal/observability"
	"closer/internal/repository"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

// RoomKey derives the canonical key of the room between a and b: both ids as
// decimal strings, sorted lexically, joined with "_". It is symmetric.
func RoomKey(a, b uint) string {
	ids := []string{strconv.FormatUint(uint64(a), 10), strconv.FormatUint(uint64(b), 10)}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// ChatbotRoomKey is the key of a user's single-party chatbot room.
func ChatbotRoomKey(userID uint) string {
	return fmt.Sprintf("chatbot_%d", userID)
}

// RoomService resolves rooms by participant pair and renders them for clients.
type RoomService struct {
	chatRepo repository.ChatRepository
	userRepo repository.UserRepository
	ai       models.Participant
	now      func() time.Time
}

// NewRoomService returns a new RoomService.
func NewRoomService(chatRepo repository.ChatRepository, userRepo repository.UserRepository, ai models.Participant) *RoomService {
	return &RoomService{
		chatRepo: chatRepo,
		userRepo: userRepo,
		ai:       ai,
		now:      time.Now,
	}
}

// AISender returns the synthetic author of chatbot replies.
func (s *RoomService) AISender() models.Participant { return s.ai }

// GetOrCreateRoom returns the room between currentUserID and otherUserID,
// creating it on first use. Concurrent first calls converge on one row. The
// peer must exist only when the room is created.
func (s *RoomService) GetOrCreateRoom(ctx context.Context, currentUserID, otherUserID uint) (*models.ChatRoom, error) {
	if currentUserID == 0 || otherUserID == 0 {
		return nil, models.NewValidationError("Both participants are required")
	}
	if currentUserID == otherUserID {
		return nil, models.NewValidationError("Cannot open a chat with yourself")
	}

	peerExists := func() error {
		exists, err := s.userRepo.Exists(ctx, otherUserID)
		if err != nil {
			return models.NewInternalError(err)
		}
		if !exists {
			return models.NewNotFoundError("User", otherUserID)
		}
		return nil
	}

	key := RoomKey(currentUserID, otherUserID)
	participants := []models.User{{ID: currentUserID}, {ID: otherUserID}}
	return s.getOrCreate(ctx, key, false, participants, peerExists)
}

// GetOrCreateChatbotRoom returns the user's chatbot room, creating it on first use.
func (s *RoomService) GetOrCreateChatbotRoom(ctx context.Context, userID uint) (*models.ChatRoom, error) {
	if userID == 0 {
		return nil, models.NewValidationError("User is required")
	}
	return s.getOrCreate(ctx, ChatbotRoomKey(userID), true, []models.User{{ID: userID}}, nil)
}

// getOrCreate runs precheck, when set, only on the create branch.
func (s *RoomService) getOrCreate(ctx context.Context, key string, chatbot bool, participants []models.User, precheck func() error) (*models.ChatRoom, error) {
	room, err := s.chatRepo.GetRoomByKey(ctx, key)
	if err == nil {
		return s.present(room), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewInternalError(err)
	}
	if precheck != nil {
		if err := precheck(); err != nil {
			return nil, err
		}
	}

	candidate := &models.ChatRoom{
		RoomKey:        key,
		IsChatbot:      chatbot,
		Participants:   participants,
		LastActivityAt: s.now(),
	}
	if err := s.chatRepo.CreateRoom(ctx, candidate); err != nil {
		if !database.IsUniqueViolation(err) {
			return nil, models.NewInternalError(err)
		}
		observability.Logger.DebugContext(ctx, "room created concurrently, re-fetching", slog.String("room_key", key))
	}

	room, err = s.chatRepo.GetRoomByKey(ctx, key)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return s.present(room), nil
}

// GetRoomForParticipant loads a room and checks that userID takes part in it.
func (s *RoomService) GetRoomForParticipant(ctx context.Context, roomKey string, userID uint) (*models.ChatRoom, error) {
	room, err := s.chatRepo.GetRoomByKey(ctx, roomKey)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Room", roomKey)
		}
		return nil, models.NewInternalError(err)
	}
	if !room.HasParticipant(userID) {
		return nil, models.NewForbiddenError("You are not a participant in this room")
	}
	return s.present(room), nil
}

// ListRooms returns the user's rooms, most recently active first, each with its
// unread count computed at read time.
func (s *RoomService) ListRooms(ctx context.Context, userID uint) ([]*models.ChatRoom, error) {
	rooms, err := s.chatRepo.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	keys := lo.Map(rooms, func(r *models.ChatRoom, _ int) string { return r.RoomKey })
	counts, err := s.chatRepo.CountUnreadByRoom(ctx, userID, keys)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	for _, room := range rooms {
		s.present(room)
		room.UnreadCount = counts[room.RoomKey]
	}
	return rooms, nil
}

// present fills the client-facing participant list and last-message author.
func (s *RoomService) present(room *models.ChatRoom) *models.ChatRoom {
	room.Members = lo.Map(room.Participants, func(u models.User, _ int) models.Participant {
		return u.Summary()
	})
	if room.IsChatbot {
		room.Members = append(room.Members, s.ai)
	}
	if room.LastMessage != nil {
		room.LastMessage.ResolveAuthor(s.ai)
	}
	return room
}
