package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"closer/internal/config"
	"closer/internal/models"
	"closer/internal/service"
	"closer/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	srv *Server
	app *fiber.App
	db  *gorm.DB
	mr  *miniredis.Miniredis
	rdb *redis.Client
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:               testutil.JWTSecret,
		JWTIssuer:               testutil.JWTIssuer,
		JWTAudience:             testutil.JWTAudience,
		Env:                     "test",
		NotificationDedupWindow: 24 * time.Hour,
		MessagePageDefault:      50,
		MessagePageMax:          100,
		PresenceOfflineGrace:    50 * time.Millisecond,
		AISenderName:            "Closer AI",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.NewTestDB(t)
	mr, rdb := testutil.NewTestRedis(t)

	srv, err := NewServerWithDeps(testConfig(), db, rdb)
	require.NoError(t, err)
	t.Cleanup(func() { srv.live.Presence().Stop() })

	return &testEnv{srv: srv, app: srv.NewApp(), db: db, mr: mr, rdb: rdb}
}

// do sends a request as userID (0 means anonymous) and decodes a JSON body into out.
func (e *testEnv) do(t *testing.T, method, path string, userID uint, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+testutil.Token(t, userID))
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateUser(t, env.db, "")

	signWith := func(claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testutil.JWTSecret))
		require.NoError(t, err)
		return tok
	}
	baseClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": fmt.Sprint(user.ID),
			"iss": testutil.JWTIssuer,
			"aud": testutil.JWTAudience,
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}

	wrongIssuer := baseClaims()
	wrongIssuer["iss"] = "someone-else"
	wrongAudience := baseClaims()
	wrongAudience["aud"] = "other-client"
	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	noHeader := func(*http.Request) {}
	tests := []struct {
		name       string
		query      string
		setup      func(req *http.Request)
		wantStatus int
	}{
		{"missing token", "", noHeader, http.StatusUnauthorized},
		{"garbage token", "", func(r *http.Request) { r.Header.Set("Authorization", "Bearer not.a.jwt") }, http.StatusUnauthorized},
		{"wrong issuer", "", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signWith(wrongIssuer)) }, http.StatusUnauthorized},
		{"wrong audience", "", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signWith(wrongAudience)) }, http.StatusUnauthorized},
		{"expired", "", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signWith(expired)) }, http.StatusUnauthorized},
		{"bearer header", "", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testutil.Token(t, user.ID)) }, http.StatusOK},
		{"token query param", "?token=" + testutil.Token(t, user.ID), noHeader, http.StatusOK},
		{"garbage query param", "?token=not.a.jwt", noHeader, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/rooms"+tt.query, nil)
			tt.setup(req)
			resp, err := env.app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus == http.StatusUnauthorized {
				var body models.ErrorResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, models.CodeUnauthorized, body.Code)
			}
		})
	}
}

func TestAuthRequired_RevokedToken(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateUser(t, env.db, "")

	claims := jwt.MapClaims{
		"sub": fmt.Sprint(user.ID),
		"iss": testutil.JWTIssuer,
		"aud": testutil.JWTAudience,
		"jti": "revoked-jti",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testutil.JWTSecret))
	require.NoError(t, err)
	require.NoError(t, env.mr.Set("blacklist:revoked-jti", "1"))

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIssueWSTicket_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateUser(t, env.db, "")

	var issued struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expiresIn"`
	}
	status := env.do(t, http.MethodPost, "/api/ws/ticket", user.ID, nil, &issued)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, issued.Ticket)
	assert.Equal(t, 60, issued.ExpiresIn)
	assert.True(t, env.mr.Exists("ws_ticket:"+issued.Ticket))

	redeem := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/rooms?ticket="+issued.Ticket, nil)
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, redeem())
	assert.Equal(t, http.StatusUnauthorized, redeem(), "a ticket is redeemable once")
	assert.False(t, env.mr.Exists("ws_ticket:"+issued.Ticket))
}

func TestIssueWSTicket_Expires(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateUser(t, env.db, "")

	var issued struct {
		Ticket string `json:"ticket"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/ws/ticket", user.ID, nil, &issued))

	env.mr.FastForward(61 * time.Second)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms?ticket="+issued.Ticket, nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthChecks(t *testing.T) {
	env := newTestEnv(t)

	var live map[string]any
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health/live", 0, nil, &live))
	assert.Equal(t, "up", live["status"])

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health/ready", 0, nil, &ready))
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "healthy", ready.Checks["database"])
	assert.Equal(t, "healthy", ready.Checks["redis"])
}

func TestReadinessCheck_WithoutRedis(t *testing.T) {
	db := testutil.NewTestDB(t)
	srv, err := NewServerWithDeps(testConfig(), db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.live.Presence().Stop() })
	app := srv.NewApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health/ready", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMessageFlow_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.CreateUser(t, env.db, "")
	bob := testutil.CreateUser(t, env.db, "")
	mallory := testutil.CreateUser(t, env.db, "")

	var room models.ChatRoom
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, fmt.Sprintf("/api/room/%d", bob.ID), alice.ID, nil, &room))
	assert.Equal(t, service.RoomKey(alice.ID, bob.ID), room.RoomKey)

	// Same room from the other side.
	var again models.ChatRoom
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, fmt.Sprintf("/api/room/%d", alice.ID), bob.ID, nil, &again))
	assert.Equal(t, room.ID, again.ID)

	var sent models.Message
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/message", alice.ID,
		SendMessageRequest{RoomKey: room.RoomKey, Content: "hey bob"}, &sent))
	assert.Equal(t, "hey bob", sent.Content)
	require.NotNil(t, sent.SenderID)
	assert.Equal(t, alice.ID, *sent.SenderID)

	var page service.MessagePage
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/messages/"+room.RoomKey, bob.ID, nil, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hey bob", page.Messages[0].Content)
	assert.EqualValues(t, 1, page.Pagination.TotalMessages)

	var rooms []models.ChatRoom
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/rooms", bob.ID, nil, &rooms))
	require.Len(t, rooms, 1)
	assert.EqualValues(t, 1, rooms[0].UnreadCount)

	var roomUnread map[string]any
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/messages/"+room.RoomKey+"/unread-count", bob.ID, nil, &roomUnread))
	assert.Equal(t, room.RoomKey, roomUnread["roomKey"])
	assert.EqualValues(t, 1, roomUnread["unreadCount"])
	assert.Equal(t, http.StatusForbidden,
		env.do(t, http.MethodGet, "/api/messages/"+room.RoomKey+"/unread-count", mallory.ID, nil, nil))

	var notes service.NotificationPage
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/notifications", bob.ID, nil, &notes))
	require.Len(t, notes.Notifications, 1)
	assert.Equal(t, models.NotificationMessage, notes.Notifications[0].Type)
	assert.Equal(t, alice.ID, notes.Notifications[0].SenderID)
	assert.EqualValues(t, 1, notes.UnreadCount)

	// The sender gets no notification for their own message.
	var aliceCount map[string]int64
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/notifications/unread-count", alice.ID, nil, &aliceCount))
	assert.EqualValues(t, 0, aliceCount["unreadCount"])

	var marked map[string]int64
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPatch, "/api/messages/"+room.RoomKey+"/read", bob.ID, nil, &marked))
	assert.EqualValues(t, 1, marked["marked"])

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/rooms", bob.ID, nil, &rooms))
	assert.EqualValues(t, 0, rooms[0].UnreadCount)

	// Outsiders can neither read nor write.
	assert.Equal(t, http.StatusForbidden,
		env.do(t, http.MethodGet, "/api/messages/"+room.RoomKey, mallory.ID, nil, nil))
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/message", mallory.ID,
		SendMessageRequest{RoomKey: room.RoomKey, Content: "let me in"}, nil))
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodGet, "/api/messages/1_999999", alice.ID, nil, nil))
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.CreateUser(t, env.db, "")

	var body models.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/message", alice.ID,
		map[string]string{"roomKey": "1_2"}, &body))
	assert.Equal(t, models.CodeValidation, body.Code)
	assert.Contains(t, body.Error, "content")

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/room/abc", alice.ID, nil, &body))
	assert.Equal(t, "Invalid other user ID", body.Error)

	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodGet, "/api/room/999999", alice.ID, nil, nil))
}

func TestEditMessage(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.CreateUser(t, env.db, "")
	bob := testutil.CreateUser(t, env.db, "")

	var room models.ChatRoom
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, fmt.Sprintf("/api/room/%d", bob.ID), alice.ID, nil, &room))
	var sent models.Message
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/message", alice.ID,
		SendMessageRequest{RoomKey: room.RoomKey, Content: "tpyo"}, &sent))

	path := fmt.Sprintf("/api/messages/item/%d", sent.ID)
	assert.Equal(t, http.StatusForbidden,
		env.do(t, http.MethodPatch, path, bob.ID, EditMessageRequest{Content: "hijack"}, nil))

	var edited models.Message
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPatch, path, alice.ID, EditMessageRequest{Content: "typo"}, &edited))
	assert.Equal(t, "typo", edited.Content)
	assert.True(t, edited.Edited)
}

func TestNotificationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.CreateUser(t, env.db, "")
	bob := testutil.CreateUser(t, env.db, "")
	post := testutil.CreatePost(t, env.db, bob.ID)

	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", bob.ID), alice.ID, nil, nil))
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost,
		fmt.Sprintf("/api/posts/%d/media/%d/like", post.ID, post.Media[0].ID), alice.ID, nil, nil))

	var notes service.NotificationPage
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/notifications", bob.ID, nil, &notes))
	require.Len(t, notes.Notifications, 2)
	assert.EqualValues(t, 2, notes.UnreadCount)

	first := notes.Notifications[0]

	// Another user cannot touch bob's notifications.
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPatch,
		fmt.Sprintf("/api/notifications/%d/read", first.ID), alice.ID, nil, nil))

	var read models.Notification
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPatch,
		fmt.Sprintf("/api/notifications/%d/read", first.ID), bob.ID, nil, &read))
	assert.True(t, read.IsRead)

	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/notifications?unreadOnly=true", bob.ID, nil, &notes))
	assert.Len(t, notes.Notifications, 1)

	var updated map[string]int64
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPatch, "/api/notifications/mark-all-read", bob.ID, nil, &updated))
	assert.EqualValues(t, 1, updated["updated"])

	var count map[string]int64
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/notifications/unread-count", bob.ID, nil, &count))
	assert.EqualValues(t, 0, count["unreadCount"])

	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete,
		fmt.Sprintf("/api/notifications/%d", first.ID), bob.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete,
		fmt.Sprintf("/api/notifications/%d", first.ID), bob.ID, nil, nil))
}

func TestSocialEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.CreateUser(t, env.db, "")
	bob := testutil.CreateUser(t, env.db, "")
	carol := testutil.CreateUser(t, env.db, "")
	post := testutil.CreatePost(t, env.db, bob.ID)
	mediaID := post.Media[0].ID

	var body models.ErrorResponse
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", alice.ID), alice.ID, nil, &body))
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/users/999999/follow", alice.ID, nil, nil))

	likePath := fmt.Sprintf("/api/posts/%d/media/%d/like", post.ID, mediaID)
	assert.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, likePath, alice.ID, nil, nil))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, likePath, alice.ID, nil, &body))
	assert.Equal(t, models.CodeConflict, body.Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, likePath, alice.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, likePath, alice.ID, nil, nil))

	var comment models.Comment
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost,
		fmt.Sprintf("/api/posts/%d/comments", post.ID), alice.ID,
		CreateCommentRequest{MediaID: mediaID, Text: "nice one @" + carol.Username}, &comment))
	assert.Equal(t, "nice one @"+carol.Username, comment.Text)

	var carolNotes service.NotificationPage
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/notifications", carol.ID, nil, &carolNotes))
	require.Len(t, carolNotes.Notifications, 1)
	assert.Equal(t, models.NotificationMention, carolNotes.Notifications[0].Type)

	assert.Equal(t, http.StatusOK,
		env.do(t, http.MethodDelete, fmt.Sprintf("/api/users/%d/follow", bob.ID), alice.ID, nil, nil))
}

func TestChatbotEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.CreateUser(t, env.db, "")

	var room models.ChatRoom
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/chatbot/room", alice.ID, nil, &room))
	assert.True(t, room.IsChatbot)

	var exchange service.ChatbotExchange
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/chatbot/messages", alice.ID,
		ChatbotExchangeRequest{Prompt: "hello?", Reply: "hi there"}, &exchange))
	require.NotNil(t, exchange.Prompt)
	require.NotNil(t, exchange.Reply)
	assert.Nil(t, exchange.Reply.SenderID)

	var page service.MessagePage
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/messages/"+room.RoomKey, alice.ID, nil, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "hello?", page.Messages[0].Content)
	assert.Equal(t, "hi there", page.Messages[1].Content)

	// Chatbot traffic never produces notifications.
	var count map[string]int64
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/notifications/unread-count", alice.ID, nil, &count))
	assert.EqualValues(t, 0, count["unreadCount"])
}

func TestHumanizeParam(t *testing.T) {
	assert.Equal(t, "ID", humanizeParam("id"))
	assert.Equal(t, "other user ID", humanizeParam("otherUserId"))
	assert.Equal(t, "media ID", humanizeParam("mediaId"))
	assert.Equal(t, "roomKey", humanizeParam("roomKey"))
}

func TestLogout_RevokesOnlyThatToken(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateUser(t, env.db, "")
	tok := testutil.Token(t, user.ID)

	call := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/rooms"))
	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/api/auth/logout"))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/rooms"))

	// A fresh token for the same user still works.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/rooms", user.ID, nil, nil))
}

func TestLogout_RejectsTicketAuth(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateUser(t, env.db, "")

	var issued struct {
		Ticket string `json:"ticket"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/ws/ticket", user.ID, nil, &issued))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout?ticket="+issued.Ticket, nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUserPresence(t *testing.T) {
	env := newTestEnv(t)
	viewer := testutil.CreateUser(t, env.db, "")
	target := testutil.CreateUser(t, env.db, "")
	path := fmt.Sprintf("/api/users/%d/presence", target.ID)

	var body map[string]any
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, path, viewer.ID, nil, &body))
	assert.Equal(t, float64(target.ID), body["userId"])
	assert.Equal(t, false, body["online"])

	env.srv.live.Presence().Connect(context.Background(), target.ID)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, path, viewer.ID, nil, &body))
	assert.Equal(t, true, body["online"])

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/users/abc/presence", viewer.ID, nil, nil))
}
