package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/avatarhub/internal/metrics"
	"github.com/normanking/avatarhub/internal/pubsub"
	"github.com/normanking/avatarhub/internal/quota"
)

// Config holds manager configuration.
type Config struct {
	// IdleTimeout is the no-activity window before a session is torn down
	// on its own, so an abandoned stream stops billing. Zero or negative
	// disables idle teardown.
	IdleTimeout time.Duration
	// DisableIdleTimeout turns idle teardown off regardless of IdleTimeout.
	DisableIdleTimeout bool
}

// handle is the exclusively-owned state of one live session. It never
// leaves the manager; events carry only the session id.
type handle struct {
	session        StreamSession
	sessionID      string
	ready          bool
	createdAt      time.Time
	lastActivityAt time.Time
	idleTimer      *time.Timer
	ended          bool
}

// Manager owns the lifecycle of at most one remote streaming session and
// settles its quota usage exactly once per created session.
type Manager struct {
	quota  *quota.Tracker
	tokens *TokenClient
	dialer Dialer
	cfg    Config
	logger zerolog.Logger
	events *pubsub.Broker[Event]

	mu       sync.Mutex
	h        *handle
	creating bool // a CreateSession is in flight; the slot is claimed
}

// NewManager wires the manager to its collaborators.
func NewManager(q *quota.Tracker, tokens *TokenClient, dialer Dialer, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		quota:  q,
		tokens: tokens,
		dialer: dialer,
		cfg:    cfg,
		logger: logger.With().Str("component", "remote-session").Logger(),
		events: pubsub.NewBroker[Event](),
	}
}

// Subscribe registers a handler for session events and returns an
// unsubscribe function.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.events.Subscribe(fn)
}

// CreateSession checks quota admission, exchanges credentials for a
// session token, and dials the streaming service. Admission denial fails
// with ErrQuotaExceeded before any remote call; any failure after
// admission settles the in-flight quota session with zero duration.
func (m *Manager) CreateSession(ctx context.Context) error {
	m.mu.Lock()
	if m.h != nil || m.creating {
		m.mu.Unlock()
		return ErrSessionActive
	}
	m.creating = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.creating = false
		m.mu.Unlock()
	}()

	if !m.quota.CheckAdmission() {
		m.logger.Info().Msg("Session admission denied, quota exhausted")
		return ErrQuotaExceeded
	}

	sid := m.quota.BeginSession()

	token, err := m.tokens.Fetch(ctx)
	if err != nil {
		m.quota.EndSession(sid, 0)
		m.emitError(sid, err)
		return fmt.Errorf("%w: %v", ErrSessionCreation, err)
	}

	cb := Callbacks{
		OnReady:        func() { m.markReady(sid) },
		OnTalkingStart: func() { m.touch(sid) },
		OnTalkingStop:  func() { m.touch(sid) },
		OnDisconnect:   func(err error) { m.handleDisconnect(sid, err) },
	}
	session, err := m.dialer.Dial(ctx, token, cb)
	if err != nil {
		m.quota.EndSession(sid, 0)
		m.emitError(sid, err)
		return fmt.Errorf("%w: %v", ErrSessionCreation, err)
	}

	now := time.Now()
	m.mu.Lock()
	m.h = &handle{
		session:        session,
		sessionID:      sid,
		createdAt:      now,
		lastActivityAt: now,
	}
	m.mu.Unlock()

	metrics.SessionsCreated.Inc()
	m.logger.Info().Str("session_id", sid).Msg("Remote session created")
	m.events.Publish(Event{Type: EventCreated, SessionID: sid, Timestamp: now})
	return nil
}

// Speak forwards text to the remote session. Returns false, never an
// error, when the session is not ready or the text is empty; transport
// failures also return false and surface as session_error events.
func (m *Manager) Speak(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	m.mu.Lock()
	if m.h == nil || !m.h.ready {
		m.mu.Unlock()
		return false
	}
	session := m.h.session
	sid := m.h.sessionID
	m.h.lastActivityAt = time.Now()
	m.armIdleTimerLocked()
	m.mu.Unlock()

	if err := session.Speak(text); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sid).Msg("Remote speak failed")
		m.emitError(sid, err)
		return false
	}
	return true
}

// Ready reports whether the active session can accept speak calls.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h != nil && m.h.ready
}

// Active reports whether a session exists, ready or not.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h != nil
}

// EndSession tears the session down, closes the transport, and settles
// quota with the elapsed wall-clock duration. Safe to call at any time;
// settlement happens exactly once per created session.
func (m *Manager) EndSession() {
	m.endSession("requested")
}

func (m *Manager) endSession(reason string) {
	m.mu.Lock()
	h := m.h
	if h == nil || h.ended {
		m.mu.Unlock()
		return
	}
	h.ended = true
	m.h = nil
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	m.mu.Unlock()

	if err := h.session.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("Session close")
	}

	duration := time.Since(h.createdAt)
	m.quota.EndSession(h.sessionID, duration)

	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	metrics.SessionDuration.Observe(duration.Seconds())
	m.logger.Info().
		Str("session_id", h.sessionID).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("Remote session ended")

	m.events.Publish(Event{
		Type:      EventEnded,
		SessionID: h.sessionID,
		Timestamp: time.Now(),
		Data: map[string]any{
			"reason":          reason,
			"durationSeconds": duration.Seconds(),
		},
	})
}

// markReady flips the session to accepting speak calls and arms the idle
// timer. Stale callbacks for a previous session are ignored.
func (m *Manager) markReady(sid string) {
	m.mu.Lock()
	if m.h == nil || m.h.sessionID != sid || m.h.ready {
		m.mu.Unlock()
		return
	}
	m.h.ready = true
	m.h.lastActivityAt = time.Now()
	m.armIdleTimerLocked()
	m.mu.Unlock()

	m.logger.Info().Str("session_id", sid).Msg("Remote session ready")
	m.events.Publish(Event{Type: EventReady, SessionID: sid, Timestamp: time.Now()})
}

// touch records activity and re-arms the idle timer.
func (m *Manager) touch(sid string) {
	m.mu.Lock()
	if m.h == nil || m.h.sessionID != sid {
		m.mu.Unlock()
		return
	}
	m.h.lastActivityAt = time.Now()
	m.armIdleTimerLocked()
	m.mu.Unlock()
}

// armIdleTimerLocked (re)arms the idle teardown timer. Caller holds mu.
func (m *Manager) armIdleTimerLocked() {
	if m.cfg.DisableIdleTimeout || m.cfg.IdleTimeout <= 0 {
		return
	}
	if m.h.idleTimer != nil {
		m.h.idleTimer.Stop()
	}
	sid := m.h.sessionID
	m.h.idleTimer = time.AfterFunc(m.cfg.IdleTimeout, func() {
		m.idleExpire(sid)
	})
}

func (m *Manager) idleExpire(sid string) {
	m.mu.Lock()
	stale := m.h == nil || m.h.sessionID != sid
	m.mu.Unlock()
	if stale {
		return
	}
	m.logger.Info().Str("session_id", sid).Msg("Idle timeout, ending session")
	m.endSession("idle timeout")
}

// handleDisconnect settles an abnormal termination: the partial usage is
// recorded and a session_error precedes the session_ended event.
func (m *Manager) handleDisconnect(sid string, err error) {
	m.mu.Lock()
	known := m.h != nil && m.h.sessionID == sid
	m.mu.Unlock()
	if !known {
		return
	}
	m.emitError(sid, err)
	m.endSession("disconnected")
}

func (m *Manager) emitError(sid string, err error) {
	metrics.SessionErrors.Inc()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.events.Publish(Event{
		Type:      EventError,
		SessionID: sid,
		Timestamp: time.Now(),
		Data:      map[string]any{"error": msg},
	})
}
