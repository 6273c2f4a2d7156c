// Package remote owns the lifecycle of the remote streaming avatar
// session: admission, token exchange, dial, activity tracking, idle
// teardown, and exactly-once quota settlement.
package remote

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	// ErrQuotaExceeded means admission was denied before any remote call.
	ErrQuotaExceeded = errors.New("avatar session quota exceeded")
	// ErrSessionActive means a session already exists.
	ErrSessionActive = errors.New("avatar session already active")
	// ErrSessionCreation wraps token or dial failures.
	ErrSessionCreation = errors.New("avatar session creation failed")
)

// Callbacks receive lifecycle notifications from the streaming transport.
// They fire from the transport's goroutines and must not block.
type Callbacks struct {
	OnReady        func()
	OnTalkingStart func()
	OnTalkingStop  func()
	OnDisconnect   func(err error)
}

// StreamSession is the opaque remote avatar session.
type StreamSession interface {
	// Speak forwards text for the avatar to render and voice.
	Speak(text string) error
	// Close tears down the transport. Closing never triggers OnDisconnect.
	Close() error
}

// Dialer opens streaming sessions against the avatar service.
type Dialer interface {
	Dial(ctx context.Context, token string, cb Callbacks) (StreamSession, error)
}

// EventType identifies session lifecycle events.
type EventType string

const (
	EventCreated EventType = "session_created"
	EventReady   EventType = "session_ready"
	EventError   EventType = "session_error"
	EventEnded   EventType = "session_ended"
)

// Event is emitted on session lifecycle changes. The session id is the
// quota tracking id; the underlying session object is never exposed.
type Event struct {
	Type      EventType
	SessionID string
	Timestamp time.Time
	Data      map[string]any
}
