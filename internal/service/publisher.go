// Package service provides the messaging and notification business logic.
package service

import (
	"context"
)

// Publisher pushes live events. Implementations deliver best-effort; a returned
// error means the event may not have reached every connection and is only logged.
type Publisher interface {
	PublishToUser(ctx context.Context, userID uint, event string, payload any) error
	PublishToRoom(ctx context.Context, roomKey string, event string, payload any) error
}

type noopPublisher struct{}

func (noopPublisher) PublishToUser(context.Context, uint, string, any) error   { return nil }
func (noopPublisher) PublishToRoom(context.Context, string, string, any) error { return nil }

func publisherOrNoop(p Publisher) Publisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}
