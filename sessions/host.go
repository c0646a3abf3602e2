package sessions

import (
	"context"
)

// MessageHandlerFunction consumes one message from a session stream. A
// non-nil error ends the subscription and is returned from SubscribeSession;
// the message it was given stays queued.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// SessionHost is an ordered, per-session queue of outbound messages with a
// single consumer.
type SessionHost interface {
	// PublishSession appends data to the session's queue and returns its
	// event id.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession delivers queued messages, then new ones as they are
	// published, one at a time and in order, until ctx ends or handler fails.
	// A message is removed from the queue once handler returns nil for it.
	SubscribeSession(ctx context.Context, sessionID string, handler MessageHandlerFunction) error
	// CleanupSession deletes the session's queue.
	CleanupSession(ctx context.Context, sessionID string) error
}
