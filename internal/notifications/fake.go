package notifications

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// PublishedEvent records one call on FakePublisher.
type PublishedEvent struct {
	UserID  uint
	RoomKey string
	Event   string
	Payload any
}

// FakePublisher records published events instead of delivering them. Err, when
// set, is returned from every publish.
type FakePublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
	Err    error
}

func (f *FakePublisher) PublishToUser(_ context.Context, userID uint, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, PublishedEvent{UserID: userID, Event: event, Payload: payload})
	return f.Err
}

func (f *FakePublisher) PublishToRoom(_ context.Context, roomKey string, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, PublishedEvent{RoomKey: roomKey, Event: event, Payload: payload})
	return f.Err
}

// Events returns a copy of everything published so far.
func (f *FakePublisher) Events() []PublishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishedEvent, len(f.events))
	copy(out, f.events)
	return out
}

// Named returns the published events of one type, in order.
func (f *FakePublisher) Named(event string) []PublishedEvent {
	return lo.Filter(f.Events(), func(e PublishedEvent, _ int) bool {
		return e.Event == event
	})
}

// Reset forgets recorded events.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}
