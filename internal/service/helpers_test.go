package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"closer/internal/models"
	"closer/internal/notifications"
	"closer/internal/repository"
	"closer/internal/testutil"

	"gorm.io/gorm"
)

var testAI = models.AISender("Closer AI", "https://example.com/ai.png")

type fixture struct {
	db       *gorm.DB
	pub      *notifications.FakePublisher
	rooms    *RoomService
	messages *MessageService
	notes    *NotificationService
	social   *SocialService
	chatbot  *ChatbotService
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	pub := &notifications.FakePublisher{}
	clock := &fakeClock{now: time.Now().Add(-48 * time.Hour)}

	userRepo := repository.NewUserRepository(db, nil)
	chatRepo := repository.NewChatRepository(db)

	rooms := NewRoomService(chatRepo, userRepo, testAI)
	rooms.now = clock.Now
	notes := NewNotificationService(repository.NewNotificationRepository(db), userRepo, pub, 0)
	notes.now = clock.Now
	messages := NewMessageService(chatRepo, rooms, notes, pub, DefaultPageDefaults)
	messages.now = clock.Now

	return &fixture{
		db:       db,
		pub:      pub,
		rooms:    rooms,
		messages: messages,
		notes:    notes,
		social:   NewSocialService(repository.NewSocialRepository(db), userRepo, notes),
		chatbot:  NewChatbotService(rooms, messages, pub),
		clock:    clock,
	}
}

// chatRepoStub lets tests script the room lookups; everything else is inert.
type chatRepoStub struct {
	repository.ChatRepository
	getRoomByKeyFn func(context.Context, string) (*models.ChatRoom, error)
	createRoomFn   func(context.Context, *models.ChatRoom) error
}

func (s *chatRepoStub) GetRoomByKey(ctx context.Context, key string) (*models.ChatRoom, error) {
	return s.getRoomByKeyFn(ctx, key)
}

func (s *chatRepoStub) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	return s.createRoomFn(ctx, room)
}

type userRepoStub struct {
	existsFn func(context.Context, uint) (bool, error)
}

func (s *userRepoStub) GetByID(_ context.Context, id uint) (*models.User, error) {
	return &models.User{ID: id, Username: "stub"}, nil
}

func (s *userRepoStub) Exists(ctx context.Context, id uint) (bool, error) {
	return s.existsFn(ctx, id)
}

func (s *userRepoStub) GetByUsernames(context.Context, []string) ([]models.User, error) {
	return nil, nil
}

func allUsersExist() *userRepoStub {
	return &userRepoStub{existsFn: func(context.Context, uint) (bool, error) { return true, nil }}
}
