package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"closer/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Max connections per user
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000

	busUserPrefix    = "closer:user:"
	busRoomPrefix    = "closer:room:"
	busBroadcastChan = "closer:broadcast"
)

// Delivery outcomes recorded in LiveEventsTotal.
const (
	outcomeDelivered    = "delivered"
	outcomeNoMembers    = "no_members"
	outcomeRemote       = "remote"
	outcomePublishError = "publish_error"
)

// Connection limit errors returned by Register.
var (
	ErrServerFull = errors.New("server connection limit reached")
	ErrUserFull   = errors.New("user connection limit reached")
)

// busFrame wraps an encoded envelope on the Redis bus with the publishing
// process id, so a process skips frames it already delivered locally.
type busFrame struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Config tunes the live channel.
type Config struct {
	Presence PresenceConfig
}

// LiveChannel owns every local connection. Each connection sits in exactly one
// user channel and in zero or more room channels. Delivery is best-effort and
// at-most-once: frames for empty channels are dropped, full buffers drop frames.
type LiveChannel struct {
	mu    sync.RWMutex
	users map[uint]map[*Client]struct{}
	rooms map[string]map[*Client]struct{}
	total int

	rdb      *redis.Client
	origin   string
	presence *Presence

	shutdownOnce sync.Once
}

// NewLiveChannel builds a live channel. rdb may be nil, in which case delivery is
// process-local.
func NewLiveChannel(rdb *redis.Client, cfg Config) *LiveChannel {
	origin := uuid.NewString()
	cfg.Presence.NodeID = origin
	return &LiveChannel{
		users:    make(map[uint]map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
		rdb:      rdb,
		origin:   origin,
		presence: NewPresence(rdb, cfg.Presence),
	}
}

// Presence exposes the presence tracker.
func (l *LiveChannel) Presence() *Presence { return l.presence }

// Register attaches conn to userID's private channel.
func (l *LiveChannel) Register(userID uint, conn *websocket.Conn) (*Client, error) {
	l.mu.Lock()
	if l.total >= maxTotalConns {
		l.mu.Unlock()
		return nil, ErrServerFull
	}
	m, ok := l.users[userID]
	if !ok {
		m = make(map[*Client]struct{})
		l.users[userID] = m
	}
	if len(m) >= maxConnsPerUser {
		l.mu.Unlock()
		return nil, ErrUserFull
	}

	client := newClient(l, conn, userID)
	client.OnActivity = func(uid uint) { l.presence.Touch(context.Background(), uid) }
	m[client] = struct{}{}
	l.total++
	l.mu.Unlock()

	observability.ActiveWebSockets.Inc()
	l.presence.Connect(context.Background(), userID)
	return client, nil
}

// Unregister removes client from its user channel and every room it joined.
func (l *LiveChannel) Unregister(client *Client) {
	l.mu.Lock()
	removed := false
	if m, ok := l.users[client.UserID]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			l.total--
			removed = true
		}
		if len(m) == 0 {
			delete(l.users, client.UserID)
		}
	}
	for roomKey := range client.rooms {
		l.leaveLocked(client, roomKey)
	}
	l.mu.Unlock()

	if removed {
		observability.ActiveWebSockets.Dec()
		l.presence.Disconnect(context.Background(), client.UserID)
	}
}

// JoinRoom adds client to the room channel. Callers check participation first.
func (l *LiveChannel) JoinRoom(client *Client, roomKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.rooms[roomKey]
	if !ok {
		m = make(map[*Client]struct{})
		l.rooms[roomKey] = m
	}
	m[client] = struct{}{}
	client.rooms[roomKey] = struct{}{}
}

// LeaveRoom removes client from the room channel.
func (l *LiveChannel) LeaveRoom(client *Client, roomKey string) {
	l.mu.Lock()
	l.leaveLocked(client, roomKey)
	l.mu.Unlock()
}

func (l *LiveChannel) leaveLocked(client *Client, roomKey string) {
	delete(client.rooms, roomKey)
	if m, ok := l.rooms[roomKey]; ok {
		delete(m, client)
		if len(m) == 0 {
			delete(l.rooms, roomKey)
		}
	}
}

// InRoom reports whether client joined roomKey.
func (l *LiveChannel) InRoom(client *Client, roomKey string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := client.rooms[roomKey]
	return ok
}

// RoomSize returns the number of local connections in a room.
func (l *LiveChannel) RoomSize(roomKey string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms[roomKey])
}

// UserConnections returns the number of local connections of a user.
func (l *LiveChannel) UserConnections(userID uint) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users[userID])
}

// PublishToUser delivers event to every connection of userID, here and on other
// processes.
func (l *LiveChannel) PublishToUser(ctx context.Context, userID uint, event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	l.deliverUser(userID, frame)
	return l.publishBus(ctx, userChannel(userID), frame)
}

// PublishToRoom delivers event to every connection joined to roomKey.
func (l *LiveChannel) PublishToRoom(ctx context.Context, roomKey string, event string, payload any) error {
	return l.BroadcastToRoom(ctx, roomKey, event, payload, nil)
}

// BroadcastToRoom is PublishToRoom that skips one local connection, normally the
// sender of the frame.
func (l *LiveChannel) BroadcastToRoom(ctx context.Context, roomKey string, event string, payload any, except *Client) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	l.deliverRoom(roomKey, frame, except)
	return l.publishBus(ctx, roomChannel(roomKey), frame)
}

// PublishAll delivers event to every connection on every process.
func (l *LiveChannel) PublishAll(ctx context.Context, event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	l.deliverAll(frame)
	return l.publishBus(ctx, busBroadcastChan, frame)
}

// SendTo queues event on a single connection.
func (l *LiveChannel) SendTo(client *Client, event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	client.TrySend(frame)
	return nil
}

func (l *LiveChannel) deliverUser(userID uint, frame []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clients := l.users[userID]
	if len(clients) == 0 {
		observability.LiveEventsTotal.WithLabelValues("user", outcomeNoMembers).Inc()
		return
	}
	for c := range clients {
		c.TrySend(frame)
	}
	observability.LiveEventsTotal.WithLabelValues("user", outcomeDelivered).Inc()
}

func (l *LiveChannel) deliverRoom(roomKey string, frame []byte, except *Client) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clients := l.rooms[roomKey]
	delivered := 0
	for c := range clients {
		if c == except {
			continue
		}
		c.TrySend(frame)
		delivered++
	}
	if delivered == 0 {
		observability.LiveEventsTotal.WithLabelValues("room", outcomeNoMembers).Inc()
		return
	}
	observability.LiveEventsTotal.WithLabelValues("room", outcomeDelivered).Inc()
}

func (l *LiveChannel) deliverAll(frame []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, clients := range l.users {
		for c := range clients {
			c.TrySend(frame)
		}
	}
	observability.LiveEventsTotal.WithLabelValues("broadcast", outcomeDelivered).Inc()
}

func (l *LiveChannel) publishBus(ctx context.Context, channel string, frame []byte) error {
	if l.rdb == nil {
		return nil
	}
	data, err := json.Marshal(busFrame{Origin: l.origin, Frame: frame})
	if err != nil {
		return err
	}
	if err := l.rdb.Publish(ctx, channel, data).Err(); err != nil {
		observability.LiveEventsTotal.WithLabelValues(channelKind(channel), outcomePublishError).Inc()
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Start subscribes to the Redis bus and delivers frames published by other
// processes to local connections. It returns once the subscription is confirmed;
// delivery continues until ctx is cancelled.
func (l *LiveChannel) Start(ctx context.Context) error {
	if l.rdb == nil {
		return nil
	}
	sub := l.rdb.PSubscribe(ctx, busUserPrefix+"*", busRoomPrefix+"*", busBroadcastChan)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe live bus: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				l.handleBusMessage(msg.Channel, msg.Payload)
			}
		}
	}()
	return nil
}

func (l *LiveChannel) handleBusMessage(channel, payload string) {
	defer func() {
		if r := recover(); r != nil {
			observability.LiveLogger("bus").Error("panic in live bus handler",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	var bf busFrame
	if err := json.Unmarshal([]byte(payload), &bf); err != nil {
		observability.LiveLogger("bus").Warn("invalid bus frame", slog.String("channel", channel))
		return
	}
	if bf.Origin == l.origin {
		return
	}
	kind := channelKind(channel)
	_, span := observability.StartBusSpan(context.Background(), kind)
	defer span.End()
	observability.LiveEventsTotal.WithLabelValues(kind, outcomeRemote).Inc()

	switch {
	case channel == busBroadcastChan:
		l.deliverAll(bf.Frame)
	case strings.HasPrefix(channel, busUserPrefix):
		id, err := strconv.ParseUint(strings.TrimPrefix(channel, busUserPrefix), 10, 32)
		if err != nil {
			observability.LiveLogger("bus").Warn("invalid user channel", slog.String("channel", channel))
			return
		}
		l.deliverUser(uint(id), bf.Frame)
	case strings.HasPrefix(channel, busRoomPrefix):
		roomKey := strings.TrimPrefix(channel, busRoomPrefix)
		span.SetAttributes(observability.AttrRoomKey.String(roomKey))
		l.deliverRoom(roomKey, bf.Frame, nil)
	}
}

// Shutdown asks every connection to close with 1001 and stops presence tracking.
func (l *LiveChannel) Shutdown(_ context.Context) error {
	l.shutdownOnce.Do(func() {
		l.presence.Stop()

		l.mu.Lock()
		closing := 0
		for _, conns := range l.users {
			for client := range conns {
				client.CloseWith(websocket.CloseGoingAway, "Server shutting down")
				closing++
			}
		}
		l.users = make(map[uint]map[*Client]struct{})
		l.rooms = make(map[string]map[*Client]struct{})
		l.total = 0
		l.mu.Unlock()
		observability.ActiveWebSockets.Sub(float64(closing))

		observability.LiveLogger("shutdown").Info("closing live connections", slog.Int("connections", closing))
	})
	return nil
}

func userChannel(userID uint) string {
	return busUserPrefix + strconv.FormatUint(uint64(userID), 10)
}

func roomChannel(roomKey string) string {
	return busRoomPrefix + roomKey
}

func channelKind(channel string) string {
	switch {
	case strings.HasPrefix(channel, busUserPrefix):
		return "user"
	case strings.HasPrefix(channel, busRoomPrefix):
		return "room"
	}
	return "broadcast"
}
