package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/avatarhub/internal/metrics"
	"github.com/normanking/avatarhub/internal/storage"
)

// item is one queued utterance. settled is guarded by the queue mutex so
// an engine callback racing Stop resolves the promise exactly once.
type item struct {
	text    string
	done    chan error
	settled bool
}

// Queue serializes utterances through the local engine. At most one
// utterance is active at any time; the next item is dequeued only after
// the active one's completion or error callback fires. FIFO, no reorder.
type Queue struct {
	engine Engine
	store  storage.Store
	logger zerolog.Logger

	mu      sync.Mutex
	cfg     Config
	voice   Voice
	pending []*item
	active  *item
}

// NewQueue builds a queue over engine, restoring the persisted delivery
// config (corrupt records are discarded) and re-resolving the voice.
func NewQueue(engine Engine, store storage.Store, logger zerolog.Logger) *Queue {
	q := &Queue{
		engine: engine,
		store:  store,
		logger: logger.With().Str("component", "speech-queue").Logger(),
	}

	cfg := DefaultConfig()
	if err := store.Load(configKey, &cfg); err != nil && !errors.Is(err, storage.ErrNotFound) {
		q.logger.Warn().Err(err).Msg("Discarding unreadable speech config")
		cfg = DefaultConfig()
	}
	cfg.Clamp()
	q.cfg = cfg
	q.voice = q.resolveVoice(cfg)
	return q
}

// resolveVoice matches by name+locale, then name alone, then the engine
// default, then whatever the engine has.
func (q *Queue) resolveVoice(cfg Config) Voice {
	voices := q.engine.Voices()
	for _, v := range voices {
		if v.Name == cfg.VoiceName && v.Locale == cfg.VoiceLocale {
			return v
		}
	}
	for _, v := range voices {
		if v.Name == cfg.VoiceName {
			return v
		}
	}
	for _, v := range voices {
		if v.Default {
			return v
		}
	}
	if len(voices) > 0 {
		return voices[0]
	}
	return Voice{}
}

// SetConfig clamps cfg, persists it, and re-resolves the voice handle.
// The clamped config is returned.
func (q *Queue) SetConfig(cfg Config) Config {
	cfg.Clamp()
	q.mu.Lock()
	q.cfg = cfg
	q.voice = q.resolveVoice(cfg)
	q.mu.Unlock()

	if err := q.store.Save(configKey, &cfg); err != nil {
		q.logger.Error().Err(err).Msg("Failed to persist speech config")
	}
	return cfg
}

// Config returns the current delivery parameters.
func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Voice returns the resolved voice handle.
func (q *Queue) Voice() Voice {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.voice
}

// Speak enqueues text and blocks until that specific utterance finishes,
// fails, or is abandoned. Empty or whitespace-only text resolves
// immediately without enqueueing; abandoned items resolve nil since they
// never started. Cancelling ctx stops the wait, not the utterance.
func (q *Queue) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !q.engine.Supported() {
		return ErrUnsupported
	}

	it := &item{text: text, done: make(chan error, 1)}
	q.mu.Lock()
	q.pending = append(q.pending, it)
	q.mu.Unlock()
	q.next()

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next starts the head of the queue if nothing is active. Callers must
// not hold the mutex.
func (q *Queue) next() {
	q.mu.Lock()
	if q.active != nil || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	q.active = it
	cfg := q.cfg
	voice := q.voice
	q.mu.Unlock()

	u := &Utterance{
		Text:   it.text,
		Voice:  voice,
		Rate:   cfg.Rate,
		Pitch:  cfg.Pitch,
		Volume: cfg.Volume,
		OnEnd: func() {
			q.finish(it, nil)
		},
		OnError: func(err error) {
			q.finish(it, fmt.Errorf("%w: %v", ErrSynthesis, err))
		},
	}

	q.logger.Debug().Int("len", len(it.text)).Msg("Starting utterance")
	if err := q.engine.Speak(u); err != nil {
		q.finish(it, fmt.Errorf("%w: %v", ErrSynthesis, err))
	}
}

// finish resolves an utterance and advances the queue.
func (q *Queue) finish(it *item, err error) {
	q.mu.Lock()
	if it.settled {
		q.mu.Unlock()
		return
	}
	it.settled = true
	if q.active == it {
		q.active = nil
	}
	q.mu.Unlock()

	it.done <- err
	if err != nil {
		metrics.UtterancesSpoken.WithLabelValues("error").Inc()
		q.logger.Warn().Err(err).Msg("Utterance failed, continuing with next item")
	} else {
		metrics.UtterancesSpoken.WithLabelValues("ok").Inc()
	}
	q.next()
}

// Stop cancels the active utterance at the engine and clears the queue
// atomically. Pending items resolve as no-ops since they never started.
// Cancel runs under the mutex so no utterance can slip in between the
// drain and the cancel and get silenced with its promise unresolved.
func (q *Queue) Stop() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	active := q.active
	q.active = nil
	if active != nil && !active.settled {
		active.settled = true
	} else {
		active = nil
	}
	for _, it := range pending {
		it.settled = true
	}
	if active != nil {
		q.engine.Cancel()
	}
	q.mu.Unlock()

	if active != nil {
		active.done <- nil
	}
	for _, it := range pending {
		it.done <- nil
	}
}

// ClearQueue drops pending (not-yet-started) items only; the currently
// speaking item is unaffected.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	for _, it := range pending {
		it.settled = true
	}
	q.mu.Unlock()

	for _, it := range pending {
		it.done <- nil
	}
}

// Speaking reports whether an utterance is active at the engine.
func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil
}

// QueueLen returns the number of pending (not-yet-started) items.
func (q *Queue) QueueLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
