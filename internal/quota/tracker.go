package quota

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarhub/internal/metrics"
	"github.com/normanking/avatarhub/internal/pubsub"
	"github.com/normanking/avatarhub/internal/storage"
)

const storageKey = "quota"

// Defaults applied when Config fields are zero.
const (
	DefaultTotalMinutes   = 20
	DefaultWarningMinutes = 5
)

// Config holds tracker configuration.
type Config struct {
	// TotalMinutes is the full allotment granted on first use and on reset.
	TotalMinutes float64
	// WarningMinutes is the remaining-minutes threshold below which a
	// quota_warning fires (once per depletion cycle).
	WarningMinutes float64
}

// Tracker owns the usage ledger. All mutations funnel through EndSession
// and Reset, which persist the ledger before emitting events so a
// subsequent CheckAdmission never observes a partial write.
type Tracker struct {
	store  storage.Store
	cfg    Config
	logger zerolog.Logger
	events *pubsub.Broker[Event]

	mu        sync.Mutex
	state     State
	pending   map[string]time.Time // in-flight sessions, id -> start time
	stopWatch func()
}

// NewTracker loads the persisted ledger (or starts fresh when the record
// is missing or corrupt) and returns a tracker over it.
func NewTracker(store storage.Store, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.TotalMinutes <= 0 {
		cfg.TotalMinutes = DefaultTotalMinutes
	}
	if cfg.WarningMinutes <= 0 {
		cfg.WarningMinutes = DefaultWarningMinutes
	}

	t := &Tracker{
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "quota").Logger(),
		events:  pubsub.NewBroker[Event](),
		pending: make(map[string]time.Time),
	}
	t.state = t.loadState()
	return t
}

// loadState reads the persisted ledger. Invalid records are discarded
// wholesale and replaced with a fresh full allotment.
func (t *Tracker) loadState() State {
	var st State
	err := t.store.Load(storageKey, &st)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// First use.
	case err != nil:
		t.logger.Warn().Err(err).Msg("Discarding unreadable quota record")
	case validState(&st):
		return st
	default:
		t.logger.Warn().Msg("Discarding invalid quota record")
	}
	return State{TotalMinutes: t.cfg.TotalMinutes}
}

// validState rejects records wholesale rather than repairing fields.
func validState(st *State) bool {
	if st.TotalMinutes <= 0 || st.UsedMinutes < 0 {
		return false
	}
	for _, r := range st.SessionHistory {
		if r.SessionID == "" || r.DurationSeconds < 0 || r.Cost < 0 {
			return false
		}
	}
	return true
}

// Subscribe registers a handler for quota events and returns an
// unsubscribe function.
func (t *Tracker) Subscribe(fn func(Event)) func() {
	return t.events.Subscribe(fn)
}

// CheckAdmission reports whether a new session may start. Pure read.
func (t *Tracker) CheckAdmission() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.UsedMinutes < t.state.TotalMinutes
}

// BeginSession allocates a tracking id for an in-flight session. Usage is
// not charged until EndSession.
func (t *Tracker) BeginSession() string {
	id := uuid.NewString()
	t.mu.Lock()
	t.pending[id] = time.Now()
	t.mu.Unlock()
	return id
}

// Cost converts wall-clock session time to quota minutes: one minute of
// wall time is one minute of quota, rounded to the nearest second.
func Cost(duration time.Duration) float64 {
	return duration.Round(time.Second).Minutes()
}

// EndSession settles an in-flight session: the usage record is appended
// (overruns included, never truncated), the ledger is persisted, and at
// most one status event is emitted. Settling the same id twice is a no-op.
func (t *Tracker) EndSession(sessionID string, duration time.Duration) {
	t.mu.Lock()
	start, ok := t.pending[sessionID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn().Str("session_id", sessionID).Msg("EndSession for unknown session")
		return
	}
	delete(t.pending, sessionID)

	now := time.Now()
	cost := Cost(duration)
	wasAvailable := t.state.UsedMinutes < t.state.TotalMinutes

	t.state.SessionHistory = append(t.state.SessionHistory, SessionRecord{
		SessionID:       sessionID,
		StartTime:       start,
		EndTime:         now,
		DurationSeconds: duration.Round(time.Second).Seconds(),
		Cost:            cost,
	})
	t.state.UsedMinutes += cost

	remaining := t.remainingLocked()
	var ev *Event
	switch {
	case wasAvailable && t.state.UsedMinutes >= t.state.TotalMinutes:
		ev = &Event{Type: EventExceeded, RemainingMinutes: remaining, Timestamp: now}
	case !t.state.WarningShown && remaining > 0 && remaining <= t.cfg.WarningMinutes:
		t.state.WarningShown = true
		ev = &Event{Type: EventWarning, RemainingMinutes: remaining, Timestamp: now}
	}
	t.persistLocked()
	t.mu.Unlock()

	metrics.QuotaMinutesConsumed.Add(cost)
	t.logger.Info().
		Str("session_id", sessionID).
		Float64("cost_minutes", cost).
		Float64("remaining_minutes", remaining).
		Msg("Session settled against quota")

	if ev != nil {
		t.events.Publish(*ev)
	}
}

// Reset reinitializes the ledger to a full allotment and emits quota_reset.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state = State{TotalMinutes: t.cfg.TotalMinutes}
	t.persistLocked()
	remaining := t.remainingLocked()
	t.mu.Unlock()

	metrics.QuotaResets.Inc()
	t.logger.Info().Float64("total_minutes", t.cfg.TotalMinutes).Msg("Quota reset")
	t.events.Publish(Event{Type: EventReset, RemainingMinutes: remaining, Timestamp: time.Now()})
}

// Status derives the current quota status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

// Remaining returns the remaining minutes, clamped at zero.
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

// Snapshot returns a read-only view of the ledger.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Status:           t.statusLocked(),
		TotalMinutes:     t.state.TotalMinutes,
		UsedMinutes:      t.state.UsedMinutes,
		RemainingMinutes: t.remainingLocked(),
		Sessions:         len(t.state.SessionHistory),
	}
}

// History returns a copy of the settled session records.
func (t *Tracker) History() []SessionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]SessionRecord, len(t.state.SessionHistory))
	copy(records, t.state.SessionHistory)
	return records
}

// WatchStore reloads the ledger whenever another process rewrites the
// persisted record. In-flight sessions are unaffected by a reload.
func (t *Tracker) WatchStore() error {
	w, ok := t.store.(storage.Watcher)
	if !ok {
		return errors.New("store does not support watching")
	}
	stop, err := w.Watch(storageKey, t.reload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.stopWatch = stop
	t.mu.Unlock()
	return nil
}

// Close cancels the store watch, if one was started.
func (t *Tracker) Close() {
	t.mu.Lock()
	stop := t.stopWatch
	t.stopWatch = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// reload re-reads the persisted ledger. The read and the assignment happen
// under the same lock as EndSession's modify-and-persist, so a reload can
// never replace the ledger with an older snapshot of the file.
func (t *Tracker) reload() {
	t.mu.Lock()
	t.state = t.loadState()
	t.mu.Unlock()
	t.logger.Debug().Msg("Quota ledger reloaded from storage")
}

func (t *Tracker) statusLocked() Status {
	switch {
	case t.state.UsedMinutes >= t.state.TotalMinutes:
		return StatusExceeded
	case t.state.TotalMinutes-t.state.UsedMinutes <= t.cfg.WarningMinutes:
		return StatusWarning
	default:
		return StatusAvailable
	}
}

func (t *Tracker) remainingLocked() float64 {
	remaining := t.state.TotalMinutes - t.state.UsedMinutes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// persistLocked writes the ledger. Persistence failures are logged, not
// surfaced: the in-memory ledger stays authoritative for this process.
func (t *Tracker) persistLocked() {
	if err := t.store.Save(storageKey, &t.state); err != nil {
		t.logger.Error().Err(err).Msg("Failed to persist quota ledger")
	}
}
