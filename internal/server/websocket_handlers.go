package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"closer/internal/middleware"
	"closer/internal/models"
	"closer/internal/notifications"
	"closer/internal/observability"
	"closer/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.opentelemetry.io/otel/trace"
)

const liveEventTimeout = 5 * time.Second

// liveMessage is the send-message payload. Sender is filled server-side from the
// authenticated connection; whatever the client puts there is ignored.
type liveMessage struct {
	RoomKey   string              `json:"roomKey"`
	Content   string              `json:"content"`
	Sender    *models.Participant `json:"sender"`
	Timestamp string              `json:"timestamp"`
}

// WebSocketHandler handles GET /api/ws
// @Summary Open the live channel
// @Description Authenticated by Bearer header, token query param or a single-use ticket. The user must still exist.
// @Tags live
// @Param ticket query string false "Ticket from POST /api/ws/ticket"
// @Param token query string false "Access token"
// @Success 101
// @Failure 401 {object} models.ErrorResponse
// @Failure 426 {object} models.ErrorResponse
// @Router /ws [get]
func (s *Server) WebSocketHandler() fiber.Handler {
	upgrade := websocket.New(s.serveLive)

	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		exists, err := s.userRepo.Exists(c.UserContext(), currentUserID(c))
		if err != nil {
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		}
		if !exists {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("User no longer exists"))
		}
		return upgrade(c)
	}
}

func (s *Server) serveLive(conn *websocket.Conn) {
	userID, _ := conn.Locals("userID").(uint)
	ctx := observability.WithUserID(context.Background(), userID)
	log := observability.LiveLogger("handler").With(slog.Uint64("user_id", uint64(userID)))

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		log.Warn("failed to load user for live connection", slog.String("error", err.Error()))
		writeLiveError(conn, "user not found")
		_ = conn.Close()
		return
	}

	client, err := s.live.Register(userID, conn)
	if err != nil {
		log.Warn("live registration refused", slog.String("error", err.Error()))
		writeLiveError(conn, err.Error())
		_ = conn.Close()
		return
	}

	sender := user.Summary()
	client.IncomingHandler = func(c *notifications.Client, raw []byte) {
		evCtx, cancel := context.WithTimeout(ctx, liveEventTimeout)
		defer cancel()
		s.handleLiveEvent(evCtx, c, sender, raw)
	}

	_ = s.live.SendTo(client, notifications.EventConnected, fiber.Map{
		"userId":      userID,
		"username":    user.Username,
		"connections": s.live.UserConnections(userID),
		"onlineUsers": s.live.Presence().OnlineUserIDs(ctx),
	})
	log.Info("live connection opened")

	go client.WritePump()
	client.ReadPump()

	log.Info("live connection closed")
}

func writeLiveError(conn *websocket.Conn, message string) {
	frame, err := notifications.Encode(notifications.EventError, fiber.Map{"message": message})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

// handleLiveEvent dispatches one inbound frame. Malformed frames and frames from
// non-participants are dropped without a reply.
func (s *Server) handleLiveEvent(ctx context.Context, client *notifications.Client, sender models.Participant, raw []byte) {
	log := observability.LiveLogger("handler").With(slog.Uint64("user_id", uint64(client.UserID)))

	env, err := notifications.Decode(raw)
	if err != nil {
		log.Debug("dropping malformed frame", slog.String("error", err.Error()))
		return
	}

	ctx, span := observability.StartLiveEventSpan(ctx, env.Type, client.UserID)
	defer span.End()

	switch env.Type {
	case notifications.EventJoinChat:
		roomKey := decodeRoomKey(env.Payload)
		if roomKey == "" {
			return
		}
		span.SetAttributes(observability.AttrRoomKey.String(roomKey))
		if _, err := s.rooms.GetRoomForParticipant(ctx, roomKey, client.UserID); err != nil {
			log.Debug("join refused", slog.String("room_key", roomKey), slog.String("error", err.Error()))
			return
		}
		s.live.JoinRoom(client, roomKey)
		log.Debug("joined room", slog.String("room_key", roomKey), slog.Int("local_members", s.live.RoomSize(roomKey)))
		_ = s.live.SendTo(client, notifications.EventJoinedChat, fiber.Map{"roomKey": roomKey})

	case notifications.EventLeaveChat:
		if roomKey := decodeRoomKey(env.Payload); roomKey != "" {
			s.live.LeaveRoom(client, roomKey)
		}

	case notifications.EventSendMessage:
		s.handleLiveSend(ctx, client, sender, env.Payload)

	case notifications.EventTyping, notifications.EventStopTyping:
		roomKey := decodeRoomKey(env.Payload)
		if roomKey == "" || !s.live.InRoom(client, roomKey) {
			return
		}
		id := fmt.Sprintf("user:%d", client.UserID)
		// Typing indicators are dropped silently once over the limit.
		if allowed, err := middleware.CheckRateLimit(ctx, s.redis, "typing", id, 10, 10*time.Second); err == nil && !allowed {
			return
		}

		var perr error
		if env.Type == notifications.EventTyping {
			perr = s.live.BroadcastToRoom(ctx, roomKey, notifications.EventUserTyping, fiber.Map{
				"roomKey":  roomKey,
				"userId":   client.UserID,
				"username": sender.Username,
			}, client)
		} else {
			perr = s.live.BroadcastToRoom(ctx, roomKey, notifications.EventUserStopTyping, fiber.Map{
				"roomKey": roomKey,
				"userId":  client.UserID,
			}, client)
		}
		if perr != nil {
			log.Warn("typing broadcast failed", slog.String("error", perr.Error()))
		}

	case notifications.EventUserOnline:
		s.live.Presence().MarkOnline(ctx, client.UserID)

	case notifications.EventNotificationRead:
		id := decodeID(env.Payload)
		if id == 0 {
			return
		}
		if _, err := s.notifier.MarkRead(ctx, client.UserID, id); err != nil {
			log.Debug("notification_read failed", slog.Uint64("notification_id", uint64(id)),
				slog.String("error", err.Error()))
		}

	default:
		log.Debug("unknown live event", slog.String("type", env.Type))
	}
}

// handleLiveSend relays the message to the room right away and persists it
// afterwards. A persistence failure does not retract the broadcast.
func (s *Server) handleLiveSend(ctx context.Context, client *notifications.Client, sender models.Participant, payload json.RawMessage) {
	log := observability.LiveLogger("handler").With(slog.Uint64("user_id", uint64(client.UserID)))

	var msg liveMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.RoomKey == "" || msg.Content == "" {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrRoomKey.String(msg.RoomKey))
	if !s.live.InRoom(client, msg.RoomKey) {
		if _, err := s.rooms.GetRoomForParticipant(ctx, msg.RoomKey, client.UserID); err != nil {
			return
		}
	}

	id := fmt.Sprintf("user:%d", client.UserID)
	if allowed, err := middleware.CheckRateLimit(ctx, s.redis, "send_message", id, 30, time.Minute); err == nil && !allowed {
		_ = s.live.SendTo(client, notifications.EventError, fiber.Map{
			"message": "Rate limit exceeded. Please wait a moment.",
		})
		return
	}

	msg.Sender = &sender
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := s.live.BroadcastToRoom(ctx, msg.RoomKey, notifications.EventReceiveMessage, msg, client); err != nil {
		log.Warn("live message broadcast failed", slog.String("error", err.Error()))
	}

	if _, err := s.messages.PersistAndNotify(ctx, service.SendMessageInput{
		RoomKey:  msg.RoomKey,
		SenderID: client.UserID,
		Content:  msg.Content,
		Origin:   service.OriginLive,
	}); err != nil {
		log.Error("failed to persist live message", slog.String("room_key", msg.RoomKey),
			slog.String("error", err.Error()))
	}
}

// decodeRoomKey accepts either a bare JSON string or {"roomKey": "..."}.
func decodeRoomKey(raw json.RawMessage) string {
	var key string
	if err := json.Unmarshal(raw, &key); err == nil {
		return strings.TrimSpace(key)
	}
	var obj struct {
		RoomKey string `json:"roomKey"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.RoomKey)
	}
	return ""
}

// decodeID accepts either a bare number or {"id": n}.
func decodeID(raw json.RawMessage) uint {
	var id uint
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return 0
}
