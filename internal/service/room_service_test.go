package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"closer/internal/models"
	"closer/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRoomKey(t *testing.T) {
	tests := []struct {
		a, b uint
		want string
	}{
		{1, 2, "1_2"},
		{2, 1, "1_2"},
		{9, 10, "10_9"},
		{10, 9, "10_9"},
		{123, 45, "123_45"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoomKey(tt.a, tt.b))
	}
	assert.Equal(t, "chatbot_7", ChatbotRoomKey(7))
}

func TestRoomService_GetOrCreateRoom_Validation(t *testing.T) {
	repo := &chatRepoStub{
		getRoomByKeyFn: func(context.Context, string) (*models.ChatRoom, error) { return nil, gorm.ErrRecordNotFound },
		createRoomFn: func(context.Context, *models.ChatRoom) error {
			t.Fatal("room must not be created for an unknown peer")
			return nil
		},
	}
	svc := NewRoomService(repo, &userRepoStub{existsFn: func(context.Context, uint) (bool, error) { return false, nil }}, testAI)
	ctx := context.Background()

	_, err := svc.GetOrCreateRoom(ctx, 1, 1)
	assert.True(t, models.IsCode(err, models.CodeValidation))

	_, err = svc.GetOrCreateRoom(ctx, 0, 2)
	assert.True(t, models.IsCode(err, models.CodeValidation))

	_, err = svc.GetOrCreateRoom(ctx, 1, 2)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestRoomService_GetOrCreateRoom_ExistingRoomSkipsPeerCheck(t *testing.T) {
	existing := &models.ChatRoom{ID: 5, RoomKey: "1_2", Participants: []models.User{{ID: 1}, {ID: 2}}}
	repo := &chatRepoStub{
		getRoomByKeyFn: func(context.Context, string) (*models.ChatRoom, error) { return existing, nil },
	}
	peerChecks := 0
	users := &userRepoStub{existsFn: func(context.Context, uint) (bool, error) {
		peerChecks++
		return false, nil
	}}
	svc := NewRoomService(repo, users, testAI)

	room, err := svc.GetOrCreateRoom(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint(5), room.ID)
	assert.Zero(t, peerChecks)
}

func TestRoomService_GetOrCreateRoom_RefetchesAfterConcurrentCreate(t *testing.T) {
	winner := &models.ChatRoom{ID: 77, RoomKey: "1_2", Participants: []models.User{{ID: 1}, {ID: 2}}}
	lookups := 0
	repo := &chatRepoStub{
		getRoomByKeyFn: func(_ context.Context, key string) (*models.ChatRoom, error) {
			lookups++
			if lookups == 1 {
				return nil, gorm.ErrRecordNotFound
			}
			return winner, nil
		},
		createRoomFn: func(context.Context, *models.ChatRoom) error {
			return errors.New("UNIQUE constraint failed: chat_rooms.room_key")
		},
	}
	svc := NewRoomService(repo, allUsersExist(), testAI)

	room, err := svc.GetOrCreateRoom(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, uint(77), room.ID)
	assert.Equal(t, 2, lookups)
	assert.Len(t, room.Members, 2)
}

func TestRoomService_GetOrCreateRoom_PropagatesOtherCreateErrors(t *testing.T) {
	repo := &chatRepoStub{
		getRoomByKeyFn: func(context.Context, string) (*models.ChatRoom, error) { return nil, gorm.ErrRecordNotFound },
		createRoomFn:   func(context.Context, *models.ChatRoom) error { return errors.New("disk full") },
	}
	svc := NewRoomService(repo, allUsersExist(), testAI)

	_, err := svc.GetOrCreateRoom(context.Background(), 1, 2)
	assert.True(t, models.IsCode(err, models.CodeInternal))
}

func TestRoomService_OneRoomPerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice.ID, bob.ID
			if i%2 == 1 {
				a, b = b, a
			}
			room, err := f.rooms.GetOrCreateRoom(ctx, a, b)
			errs[i] = err
			if err == nil {
				ids[i] = room.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int64
	require.NoError(t, f.db.Model(&models.ChatRoom{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	room, err := f.rooms.GetOrCreateRoom(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, RoomKey(alice.ID, bob.ID), room.RoomKey)
	require.Len(t, room.Members, 2)
	assert.Equal(t, alice.Username, room.Members[0].Username)
}

func TestRoomService_ListRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")
	carol := testutil.CreateUser(t, f.db, "")

	withBob, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	withCarol, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, carol.ID)
	require.NoError(t, err)
	bot, err := f.rooms.GetOrCreateChatbotRoom(ctx, alice.ID)
	require.NoError(t, err)

	_, _, err = f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: withCarol.RoomKey, SenderID: carol.ID, Content: "one"})
	require.NoError(t, err)
	_, _, err = f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: withBob.RoomKey, SenderID: bob.ID, Content: "two"})
	require.NoError(t, err)
	_, _, err = f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: withBob.RoomKey, SenderID: bob.ID, Content: "three"})
	require.NoError(t, err)
	_, err = f.messages.AppendAIMessage(ctx, bot.RoomKey, "hello from the bot")
	require.NoError(t, err)

	rooms, err := f.rooms.ListRooms(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 3)

	assert.Equal(t, bot.RoomKey, rooms[0].RoomKey)
	assert.EqualValues(t, 1, rooms[0].UnreadCount)
	assert.True(t, rooms[0].Members[len(rooms[0].Members)-1].IsAI)
	require.NotNil(t, rooms[0].LastMessage)
	require.NotNil(t, rooms[0].LastMessage.Author)
	assert.True(t, rooms[0].LastMessage.Author.IsAI)

	assert.Equal(t, withBob.RoomKey, rooms[1].RoomKey)
	assert.EqualValues(t, 2, rooms[1].UnreadCount)
	assert.Equal(t, withCarol.RoomKey, rooms[2].RoomKey)
	assert.EqualValues(t, 1, rooms[2].UnreadCount)

	bobRooms, err := f.rooms.ListRooms(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, bobRooms, 1)
	assert.Zero(t, bobRooms[0].UnreadCount)
}

func TestRoomService_GetRoomForParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")
	mallory := testutil.CreateUser(t, f.db, "")

	room, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = f.rooms.GetRoomForParticipant(ctx, room.RoomKey, mallory.ID)
	assert.True(t, models.IsCode(err, models.CodeForbidden))

	_, err = f.rooms.GetRoomForParticipant(ctx, "999_998", alice.ID)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}
