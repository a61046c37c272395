package service

import (
	"context"
	"fmt"
	"math"
	"testing"

	"closer/internal/models"
	"closer/internal/notifications"
	"closer/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePage(t *testing.T) {
	tests := []struct {
		name              string
		page, limit       string
		wantPage, wantLim int
	}{
		{"defaults", "", "", 1, 50},
		{"explicit", "3", "20", 3, 20},
		{"non numeric", "abc", "x", 1, 50},
		{"non positive", "0", "-5", 1, 50},
		{"capped", "2", "1000", 2, 100},
		{"huge page", "288230376151711745", "64", MaxPage, 64},
		{"overflowing page", "99999999999999999999", "10", 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, limit := ParsePage(tt.page, tt.limit, DefaultPageDefaults)
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantLim, limit)

			w := newPageWindow(page, limit, 10)
			assert.GreaterOrEqual(t, w.offset(), 0)
		})
	}
}

func TestNormalizePage_ClampsHugePage(t *testing.T) {
	page, limit := normalizePage(math.MaxInt, 64, DefaultPageDefaults)
	assert.Equal(t, MaxPage, page)
	assert.Equal(t, 64, limit)
	assert.Equal(t, (MaxPage-1)*64, newPageWindow(page, limit, 100).offset())
}

func seedMessages(t *testing.T, f *fixture, roomKey string, senderID uint, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _, err := f.messages.AppendMessage(context.Background(), SendMessageInput{
			RoomKey: roomKey, SenderID: senderID, Content: fmt.Sprintf("m%03d", i),
		})
		require.NoError(t, err)
	}
}

func TestMessageService_PaginationBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")
	room, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	seedMessages(t, f, room.RoomKey, alice.ID, 50)

	page, err := f.messages.ListMessages(ctx, room.RoomKey, bob.ID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 50)
	assert.Equal(t, "m000", page.Messages[0].Content)
	assert.Equal(t, "m049", page.Messages[49].Content)
	assert.False(t, page.Pagination.HasNextPage)
	assert.False(t, page.Pagination.HasPrevPage)
	assert.Equal(t, 1, page.Pagination.TotalPages)

	_, _, err = f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: room.RoomKey, SenderID: alice.ID, Content: "latest"})
	require.NoError(t, err)

	page, err = f.messages.ListMessages(ctx, room.RoomKey, bob.ID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 50)
	assert.Equal(t, "m001", page.Messages[0].Content, "oldest of the 50 most recent")
	assert.Equal(t, "latest", page.Messages[49].Content)
	assert.True(t, page.Pagination.HasNextPage)
	assert.EqualValues(t, 51, page.Pagination.TotalMessages)
	assert.Equal(t, 2, page.Pagination.TotalPages)

	older, err := f.messages.ListMessages(ctx, room.RoomKey, bob.ID, 2, 50)
	require.NoError(t, err)
	require.Len(t, older.Messages, 1)
	assert.Equal(t, "m000", older.Messages[0].Content)
	assert.True(t, older.Pagination.HasPrevPage)
	assert.False(t, older.Pagination.HasNextPage)
}

func TestMessageService_MarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")
	room, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	seedMessages(t, f, room.RoomKey, alice.ID, 3)
	_, _, err = f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: room.RoomKey, SenderID: bob.ID, Content: "reply"})
	require.NoError(t, err)

	unread, err := f.messages.UnreadCount(ctx, room.RoomKey, bob.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, unread)

	f.pub.Reset()
	marked, err := f.messages.MarkRead(ctx, room.RoomKey, bob.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, marked)
	assert.Len(t, f.pub.Named(notifications.EventMessagesRead), 1)

	marked, err = f.messages.MarkRead(ctx, room.RoomKey, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, marked)
	assert.Len(t, f.pub.Named(notifications.EventMessagesRead), 1)

	var receipts int64
	require.NoError(t, f.db.Model(&models.MessageRead{}).Where("user_id = ?", bob.ID).Count(&receipts).Error)
	assert.EqualValues(t, 3, receipts)

	unread, err = f.messages.UnreadCount(ctx, room.RoomKey, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)

	unread, err = f.messages.UnreadCount(ctx, room.RoomKey, alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)
}

func TestMessageService_AppendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")
	mallory := testutil.CreateUser(t, f.db, "")
	room, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	_, _, err = f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: room.RoomKey, SenderID: alice.ID, Content: "   "})
	assert.True(t, models.IsCode(err, models.CodeValidation))

	_, _, err = f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: room.RoomKey, SenderID: mallory.ID, Content: "hi"})
	assert.True(t, models.IsCode(err, models.CodeForbidden))

	_, _, err = f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: "nope", SenderID: alice.ID, Content: "hi"})
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	msg, _, err := f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: room.RoomKey, SenderID: alice.ID, Content: "  padded  "})
	require.NoError(t, err)
	assert.Equal(t, "padded", msg.Content)
	require.NotNil(t, msg.Author)
	assert.Equal(t, alice.Username, msg.Author.Username)
}

func TestMessageService_SendBroadcastsAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")
	room, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	msg, err := f.messages.Send(ctx, SendMessageInput{RoomKey: room.RoomKey, SenderID: alice.ID, Content: "hello"})
	require.NoError(t, err)

	received := f.pub.Named(notifications.EventReceiveMessage)
	require.Len(t, received, 1)
	assert.Equal(t, room.RoomKey, received[0].RoomKey)
	assert.Equal(t, msg, received[0].Payload)

	newNotes := f.pub.Named(notifications.EventNewNotification)
	require.Len(t, newNotes, 1)
	assert.Equal(t, bob.ID, newNotes[0].UserID)
	n := newNotes[0].Payload.(*models.Notification)
	assert.Equal(t, models.NotificationMessage, n.Type)
	assert.Contains(t, n.Message, alice.Username)

	counts := f.pub.Named(notifications.EventUnreadCountUpdate)
	require.Len(t, counts, 1)
	assert.Equal(t, map[string]int64{"unreadCount": 1}, counts[0].Payload)

	room, err = f.rooms.GetRoomForParticipant(ctx, room.RoomKey, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, room.LastMessageID)
	assert.Equal(t, msg.ID, *room.LastMessageID)
}

func TestMessageService_PersistAndNotifySkipsRoomBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")
	room, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = f.messages.PersistAndNotify(ctx, SendMessageInput{RoomKey: room.RoomKey, SenderID: bob.ID, Content: "live"})
	require.NoError(t, err)
	assert.Empty(t, f.pub.Named(notifications.EventReceiveMessage))
	require.Len(t, f.pub.Named(notifications.EventNewNotification), 1)
	assert.Equal(t, alice.ID, f.pub.Named(notifications.EventNewNotification)[0].UserID)
}

func TestMessageService_EditMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")
	bob := testutil.CreateUser(t, f.db, "")
	room, err := f.rooms.GetOrCreateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	msg, _, err := f.messages.AppendMessage(ctx, SendMessageInput{RoomKey: room.RoomKey, SenderID: alice.ID, Content: "helo"})
	require.NoError(t, err)

	_, err = f.messages.EditMessage(ctx, msg.ID, bob.ID, "hijack")
	assert.True(t, models.IsCode(err, models.CodeForbidden))

	_, err = f.messages.EditMessage(ctx, 9999, alice.ID, "x")
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	edited, err := f.messages.EditMessage(ctx, msg.ID, alice.ID, "hello")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "hello", edited.Content)
	require.Len(t, f.pub.Named(notifications.EventMessageEdited), 1)

	page, err := f.messages.ListMessages(ctx, room.RoomKey, bob.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].Edited)
}

func TestMessageService_AIMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "")

	bot, err := f.rooms.GetOrCreateChatbotRoom(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, bot.IsChatbot)
	assert.Equal(t, ChatbotRoomKey(alice.ID), bot.RoomKey)

	msg, err := f.messages.AppendAIMessage(ctx, bot.RoomKey, "beep")
	require.NoError(t, err)
	assert.Nil(t, msg.SenderID)
	require.NotNil(t, msg.Author)
	assert.True(t, msg.Author.IsAI)
	assert.Equal(t, testAI.FullName, msg.Author.FullName)

	page, err := f.messages.ListMessages(ctx, bot.RoomKey, alice.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].Author.IsAI)

	unread, err := f.messages.UnreadCount(ctx, bot.RoomKey, alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)
}
