package mode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/avatarhub/internal/metrics"
	"github.com/normanking/avatarhub/internal/pubsub"
	"github.com/normanking/avatarhub/internal/quota"
	"github.com/normanking/avatarhub/internal/remote"
	"github.com/normanking/avatarhub/internal/speech"
)

// ErrInvalidMode is returned by SwitchToMode for targets outside the mode
// set, including the transient connecting mode.
var ErrInvalidMode = errors.New("invalid mode")

// Controller owns the active mode and routes speech to the matching backend.
// It composes the quota tracker, the remote session manager and the local
// speech queue, reacting to their events with mode transitions. Backend
// errors never escape the public API; they become transitions and events.
type Controller struct {
	quota  *quota.Tracker
	remote *remote.Manager
	queue  *speech.Queue
	logger zerolog.Logger
	events *pubsub.Broker[ChangeEvent]

	// Collaborator callbacks fire from arbitrary goroutines. They are
	// posted to inbox and drained serially by the run loop.
	inbox chan func()
	stop  chan struct{}
	done  chan struct{}

	mu          sync.Mutex
	mode        Mode
	switching   bool
	lastSpoken  string
	pendingText string

	unsubQuota  func()
	unsubRemote func()
}

// NewController selects the initial mode from quota admission (static when
// available, fallback when not; interactive is never auto-started) and
// starts the event loop.
func NewController(q *quota.Tracker, rm *remote.Manager, sq *speech.Queue, logger zerolog.Logger) *Controller {
	c := &Controller{
		quota:  q,
		remote: rm,
		queue:  sq,
		logger: logger.With().Str("component", "mode").Logger(),
		events: pubsub.NewBroker[ChangeEvent](),
		inbox:  make(chan func(), 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if q.CheckAdmission() {
		c.mode = ModeStatic
	} else {
		c.mode = ModeFallback
	}
	c.logger.Info().Str("mode", string(c.mode)).Msg("Initial mode selected")

	c.unsubQuota = q.Subscribe(func(ev quota.Event) {
		c.post(func() { c.handleQuotaEvent(ev) })
	})
	c.unsubRemote = rm.Subscribe(func(ev remote.Event) {
		c.post(func() { c.handleRemoteEvent(ev) })
	})

	go c.run()
	return c
}

// Subscribe registers a handler for mode change events and returns an
// unsubscribe function.
func (c *Controller) Subscribe(fn func(ChangeEvent)) func() {
	return c.events.Subscribe(fn)
}

// CurrentMode returns the active mode.
func (c *Controller) CurrentMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// QuotaStatus returns the derived quota status.
func (c *Controller) QuotaStatus() quota.Status {
	return c.quota.Status()
}

// ResetQuota reinitializes the quota ledger to a full allotment.
func (c *Controller) ResetQuota() {
	c.quota.Reset()
}

// Speak routes text to the active backend. Empty or whitespace-only text
// and identical consecutive text are accepted as no-ops. In interactive
// mode with a ready session the text goes to the remote avatar; on remote
// failure the controller falls back and retries through the local queue
// exactly once. In every other mode the local queue speaks directly.
func (c *Controller) Speak(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}

	c.mu.Lock()
	if text == c.lastSpoken {
		c.mu.Unlock()
		return true
	}
	c.lastSpoken = text
	mode := c.mode
	c.mu.Unlock()

	if mode == ModeInteractive && c.remote.Ready() {
		c.mu.Lock()
		c.pendingText = text
		c.mu.Unlock()
		if c.remote.Speak(text) {
			return true
		}

		// Remote speech failed. Fall back and retry locally, unless the
		// disconnect handler already claimed the pending text.
		c.remote.EndSession()
		c.transition(ModeFallback, "Remote speech failed")
		c.mu.Lock()
		retry := c.pendingText == text
		c.pendingText = ""
		c.mu.Unlock()
		if !retry {
			return true
		}
		return c.queue.Speak(ctx, text) == nil
	}

	return c.queue.Speak(ctx, text) == nil
}

// SwitchToMode performs a manual mode switch. The current backend is torn
// down strictly before the target is activated. Switching to the current
// mode is a no-op. Requesting interactive enters connecting and creates a
// remote session; creation failure lands in fallback without returning an
// error. Only an invalid target errors.
func (c *Controller) SwitchToMode(ctx context.Context, target Mode) error {
	if !target.ValidTarget() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, target)
	}

	c.mu.Lock()
	if c.mode == target {
		c.mu.Unlock()
		return nil
	}
	c.switching = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.switching = false
		c.mu.Unlock()
	}()

	// Teardown before activation. Ending the remote session settles its
	// quota usage; stopping the queue cancels the active utterance.
	c.remote.EndSession()
	c.queue.Stop()

	if target != ModeInteractive {
		c.transition(target, "Manual switch")
		return nil
	}

	c.transition(ModeConnecting, "Connecting to avatar stream")
	if err := c.remote.CreateSession(ctx); err != nil {
		reason := "Session creation failed"
		if errors.Is(err, remote.ErrQuotaExceeded) {
			reason = "Quota exceeded"
		}
		c.logger.Warn().Err(err).Msg("Interactive session unavailable, falling back")
		c.transition(ModeFallback, reason)
		return nil
	}
	// Stays in connecting until the session reports ready.
	return nil
}

// Close unsubscribes from collaborators, tears down both backends and stops
// the event loop.
func (c *Controller) Close() {
	c.unsubQuota()
	c.unsubRemote()
	c.remote.EndSession()
	c.queue.Stop()
	close(c.stop)
	<-c.done
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.stop:
			return
		}
	}
}

// post hands fn to the run loop without blocking the publisher. Collaborator
// events can be published from inside calls the controller itself makes
// (EndSession settling quota, for one), so a blocking send could deadlock.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.stop:
	default:
		go func() {
			select {
			case c.inbox <- fn:
			case <-c.stop:
			}
		}()
	}
}

func (c *Controller) handleQuotaEvent(ev quota.Event) {
	c.mu.Lock()
	switching := c.switching
	current := c.mode
	c.mu.Unlock()
	if switching {
		return
	}

	switch ev.Type {
	case quota.EventExceeded:
		if current == ModeInteractive || current == ModeConnecting {
			c.remote.EndSession()
			c.transition(ModeFallback, "Quota exceeded")
		}
	case quota.EventReset:
		// Never auto-escalates to interactive; that takes explicit action.
		if current == ModeFallback {
			c.transition(ModeStatic, "Quota reset")
		}
	case quota.EventWarning:
		c.logger.Warn().
			Float64("remaining_minutes", ev.RemainingMinutes).
			Msg("Quota running low")
	}
}

func (c *Controller) handleRemoteEvent(ev remote.Event) {
	c.mu.Lock()
	switching := c.switching
	current := c.mode
	c.mu.Unlock()

	switch ev.Type {
	case remote.EventReady:
		if current == ModeConnecting {
			c.transition(ModeInteractive, "Session ready")
		}
	case remote.EventError:
		c.logger.Warn().
			Str("session_id", ev.SessionID).
			Interface("data", ev.Data).
			Msg("Remote session error")
	case remote.EventEnded:
		reason, _ := ev.Data["reason"].(string)
		switch reason {
		case "disconnected":
			// Handled even mid-switch: a disconnect means the remote
			// backend is gone, and no later event will move the
			// controller out of connecting.
			if current != ModeInteractive && current != ModeConnecting {
				return
			}
			c.mu.Lock()
			pending := c.pendingText
			c.pendingText = ""
			c.mu.Unlock()
			c.transition(ModeFallback, "Stream disconnected")
			if pending != "" {
				go func() { _ = c.queue.Speak(context.Background(), pending) }()
			}
		case "idle timeout":
			if switching || current != ModeInteractive {
				return
			}
			if c.quota.CheckAdmission() {
				c.transition(ModeStatic, "Idle timeout")
			} else {
				c.transition(ModeFallback, "Idle timeout")
			}
		}
	}
}

// transition moves to a new mode and publishes the change. Same-mode
// transitions are silently dropped.
func (c *Controller) transition(to Mode, reason string) {
	c.mu.Lock()
	from := c.mode
	if from == to {
		c.mu.Unlock()
		return
	}
	c.mode = to
	c.mu.Unlock()

	metrics.ModeTransitions.WithLabelValues(string(from), string(to)).Inc()
	c.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Mode changed")
	c.events.Publish(ChangeEvent{From: from, To: to, Reason: reason, Timestamp: time.Now()})
}
