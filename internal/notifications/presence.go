package notifications

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"closer/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	presenceOnlineSetKey  = "ws:online_users"
	presenceLastSeenKeyNS = "ws:last_seen:"
	presenceNodesKeyNS    = "ws:nodes:"
	defaultLastSeenTTL    = 90 * time.Second
	defaultOfflineGrace   = 5 * time.Second
	defaultReaperInterval = 60 * time.Second
)

// PresenceConfig controls Redis presence and the offline grace window.
type PresenceConfig struct {
	// NodeID names this process in ws:nodes:<user>. Empty picks a random id.
	NodeID         string
	LastSeenTTL    time.Duration
	OfflineGrace   time.Duration
	ReaperInterval time.Duration
}

// Presence tracks which users hold live connections, mirrors that in Redis, and
// reports online/offline transitions. Offline is only reported after the grace
// window passes with no reconnect, so page reloads do not flap.
type Presence struct {
	rdb    *redis.Client
	nodeID string

	mu            sync.Mutex
	localConns    map[uint]int
	offlineTimers map[uint]*time.Timer
	announced     map[uint]bool

	lastSeenTTL    time.Duration
	offlineGrace   time.Duration
	reaperInterval time.Duration

	onOnline  func(userID uint)
	onOffline func(userID uint)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPresence builds a Presence and starts the stale-entry reaper when Redis is
// available. rdb may be nil.
func NewPresence(rdb *redis.Client, cfg PresenceConfig) *Presence {
	p := &Presence{
		rdb:            rdb,
		nodeID:         cfg.NodeID,
		localConns:     make(map[uint]int),
		offlineTimers:  make(map[uint]*time.Timer),
		announced:      make(map[uint]bool),
		lastSeenTTL:    defaultLastSeenTTL,
		offlineGrace:   defaultOfflineGrace,
		reaperInterval: defaultReaperInterval,
		stopCh:         make(chan struct{}),
	}
	if p.nodeID == "" {
		p.nodeID = uuid.NewString()
	}
	if cfg.LastSeenTTL > 0 {
		p.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGrace > 0 {
		p.offlineGrace = cfg.OfflineGrace
	}
	if cfg.ReaperInterval > 0 {
		p.reaperInterval = cfg.ReaperInterval
	}

	if p.rdb != nil {
		go p.reaperLoop()
	}
	return p
}

// SetCallbacks installs the transition hooks. They run outside the lock.
func (p *Presence) SetCallbacks(onOnline, onOffline func(userID uint)) {
	p.mu.Lock()
	p.onOnline = onOnline
	p.onOffline = onOffline
	p.mu.Unlock()
}

// Stop halts the reaper and any pending offline timers.
func (p *Presence) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		for userID, t := range p.offlineTimers {
			t.Stop()
			delete(p.offlineTimers, userID)
		}
		p.mu.Unlock()
	})
}

// Connect records a new local connection for userID.
func (p *Presence) Connect(ctx context.Context, userID uint) {
	p.mu.Lock()
	if t, ok := p.offlineTimers[userID]; ok {
		t.Stop()
		delete(p.offlineTimers, userID)
	}
	p.localConns[userID]++
	first := p.localConns[userID] == 1
	p.mu.Unlock()

	if first && p.rdb != nil {
		if err := p.rdb.SAdd(ctx, nodesKey(userID), p.nodeID).Err(); err != nil {
			observability.LiveLogger("presence").Warn("presence node SADD failed",
				slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		}
	}
	p.MarkOnline(ctx, userID)
}

// MarkOnline refreshes the user's Redis presence and announces the transition if
// the user was not already announced online. It backs both the first connection
// and the explicit user_online event.
func (p *Presence) MarkOnline(ctx context.Context, userID uint) {
	p.Touch(ctx, userID)

	p.mu.Lock()
	if p.announced[userID] {
		p.mu.Unlock()
		return
	}
	p.announced[userID] = true
	cb := p.onOnline
	p.mu.Unlock()

	if cb != nil {
		cb(userID)
	}
}

// Touch refreshes the user's last-seen marker.
func (p *Presence) Touch(ctx context.Context, userID uint) {
	if p.rdb == nil {
		return
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	if err := p.rdb.SAdd(ctx, presenceOnlineSetKey, uid).Err(); err != nil {
		observability.LiveLogger("presence").Warn("presence SADD failed",
			slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
	}
	if err := p.rdb.SetEx(ctx, lastSeenKey(userID), strconv.FormatInt(time.Now().Unix(), 10), p.lastSeenTTL).Err(); err != nil {
		observability.LiveLogger("presence").Warn("presence SETEX failed",
			slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
	}
	_ = p.rdb.Expire(ctx, nodesKey(userID), p.lastSeenTTL).Err()
}

// Disconnect drops one local connection. When it was the last one the offline
// transition fires after the grace window unless the user reconnects first.
func (p *Presence) Disconnect(_ context.Context, userID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.localConns[userID]; n > 1 {
		p.localConns[userID] = n - 1
		return
	}
	delete(p.localConns, userID)

	if t, ok := p.offlineTimers[userID]; ok {
		t.Stop()
	}
	p.offlineTimers[userID] = time.AfterFunc(p.offlineGrace, func() {
		p.finalizeOffline(context.Background(), userID)
	})
}

// IsOnline reports local connections first, then the Redis marker.
func (p *Presence) IsOnline(ctx context.Context, userID uint) bool {
	p.mu.Lock()
	local := p.localConns[userID] > 0
	p.mu.Unlock()
	if local {
		return true
	}
	if p.rdb == nil {
		return false
	}
	exists, err := p.rdb.Exists(ctx, lastSeenKey(userID)).Result()
	return err == nil && exists > 0
}

// OnlineUserIDs lists users with a live Redis marker, unioned with local users.
func (p *Presence) OnlineUserIDs(ctx context.Context) []uint {
	seen := make(map[uint]struct{})
	var ids []uint
	add := func(id uint) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if p.rdb != nil {
		members, err := p.rdb.SMembers(ctx, presenceOnlineSetKey).Result()
		if err == nil {
			for _, raw := range members {
				id64, err := strconv.ParseUint(raw, 10, 32)
				if err != nil {
					continue
				}
				if exists, err := p.rdb.Exists(ctx, lastSeenKey(uint(id64))).Result(); err == nil && exists > 0 {
					add(uint(id64))
				}
			}
		}
	}

	p.mu.Lock()
	for id, n := range p.localConns {
		if n > 0 {
			add(id)
		}
	}
	p.mu.Unlock()
	return ids
}

func (p *Presence) finalizeOffline(ctx context.Context, userID uint) {
	p.mu.Lock()
	delete(p.offlineTimers, userID)
	if p.localConns[userID] > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.rdb != nil {
		var held *redis.IntCmd
		_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, nodesKey(userID), p.nodeID)
			held = pipe.SCard(ctx, nodesKey(userID))
			return nil
		})
		if err == nil && held.Val() > 0 {
			// Still connected through another process, which owns the offline
			// transition from here on.
			p.mu.Lock()
			delete(p.announced, userID)
			p.mu.Unlock()
			return
		}
		uid := strconv.FormatUint(uint64(userID), 10)
		_ = p.rdb.Del(ctx, lastSeenKey(userID)).Err()
		_ = p.rdb.SRem(ctx, presenceOnlineSetKey, uid).Err()
	}
	p.emitOffline(userID)
}

// reapOnce removes set members whose last-seen marker expired, which happens when
// a process dies without running its offline timers.
func (p *Presence) reapOnce(ctx context.Context) {
	members, err := p.rdb.SMembers(ctx, presenceOnlineSetKey).Result()
	if err != nil {
		return
	}
	for _, raw := range members {
		id64, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			continue
		}
		userID := uint(id64)
		exists, err := p.rdb.Exists(ctx, lastSeenKey(userID)).Result()
		if err != nil || exists > 0 {
			continue
		}
		_ = p.rdb.SRem(ctx, presenceOnlineSetKey, raw).Err()

		p.mu.Lock()
		local := p.localConns[userID] > 0
		p.mu.Unlock()
		if !local {
			p.emitOffline(userID)
		}
	}
}

func (p *Presence) reaperLoop() {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce(context.Background())
		}
	}
}

func (p *Presence) emitOffline(userID uint) {
	p.mu.Lock()
	if !p.announced[userID] {
		p.mu.Unlock()
		return
	}
	delete(p.announced, userID)
	cb := p.onOffline
	p.mu.Unlock()
	if cb != nil {
		cb(userID)
	}
}

func nodesKey(userID uint) string {
	return presenceNodesKeyNS + strconv.FormatUint(uint64(userID), 10)
}

func lastSeenKey(userID uint) string {
	return presenceLastSeenKeyNS + strconv.FormatUint(uint64(userID), 10)
}
