package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatarhub/internal/storage"
)

// mockEngine implements Engine for testing. With autoEnd set it completes
// utterances immediately; otherwise the test fires callbacks by hand.
type mockEngine struct {
	mu         sync.Mutex
	supported  bool
	voices     []Voice
	spoken     []string
	utterances []*Utterance
	autoEnd    bool
	failOn     map[string]error // OnError instead of OnEnd for these texts
	speakErr   error            // returned from Speak itself
	cancels    int
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		supported: true,
		voices: []Voice{
			{Name: "Alloy", Locale: "en-US", Default: true},
			{Name: "Vesper", Locale: "en-GB"},
		},
		failOn: make(map[string]error),
	}
}

func (m *mockEngine) Supported() bool { return m.supported }

func (m *mockEngine) Voices() []Voice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voices
}

func (m *mockEngine) Speak(u *Utterance) error {
	m.mu.Lock()
	if m.speakErr != nil {
		err := m.speakErr
		m.mu.Unlock()
		return err
	}
	m.spoken = append(m.spoken, u.Text)
	m.utterances = append(m.utterances, u)
	failErr := m.failOn[u.Text]
	autoEnd := m.autoEnd
	m.mu.Unlock()

	if autoEnd {
		if failErr != nil {
			u.OnError(failErr)
		} else {
			u.OnEnd()
		}
	}
	return nil
}

func (m *mockEngine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
}

func (m *mockEngine) spokenTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.spoken))
	copy(out, m.spoken)
	return out
}

// endUtterance fires OnEnd for the i-th utterance handed to the engine.
func (m *mockEngine) endUtterance(i int) {
	m.mu.Lock()
	u := m.utterances[i]
	m.mu.Unlock()
	u.OnEnd()
}

func newTestQueue(t *testing.T, engine Engine) (*Queue, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewQueue(engine, store, zerolog.Nop()), store
}

func waitForSpoken(t *testing.T, engine *mockEngine, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(engine.spokenTexts()) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSpeakEmptyTextResolvesImmediately(t *testing.T) {
	engine := newMockEngine()
	q, _ := newTestQueue(t, engine)

	assert.NoError(t, q.Speak(context.Background(), ""))
	assert.NoError(t, q.Speak(context.Background(), "   \t\n"))
	assert.Empty(t, engine.spokenTexts())
	assert.Equal(t, 0, q.QueueLen())
}

func TestSpeakUnsupportedFailsFast(t *testing.T) {
	engine := newMockEngine()
	engine.supported = false
	q, _ := newTestQueue(t, engine)

	err := q.Speak(context.Background(), "hello")
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Empty(t, engine.spokenTexts())
}

func TestSpeakFIFOOrder(t *testing.T) {
	engine := newMockEngine()
	q, _ := newTestQueue(t, engine)

	var wg sync.WaitGroup
	results := make([]error, 3)
	speak := func(i int, text string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = q.Speak(context.Background(), text)
		}()
	}

	// Enqueue A, B, C one at a time so the order is deterministic.
	speak(0, "A")
	waitForSpoken(t, engine, 1)
	speak(1, "B")
	require.Eventually(t, func() bool { return q.QueueLen() == 1 }, time.Second, time.Millisecond)
	speak(2, "C")
	require.Eventually(t, func() bool { return q.QueueLen() == 2 }, time.Second, time.Millisecond)

	// Only A reached the engine; B and C wait their turn.
	assert.Equal(t, []string{"A"}, engine.spokenTexts())

	engine.endUtterance(0)
	waitForSpoken(t, engine, 2)
	engine.endUtterance(1)
	waitForSpoken(t, engine, 3)
	engine.endUtterance(2)

	wg.Wait()
	assert.Equal(t, []string{"A", "B", "C"}, engine.spokenTexts())
	for i, err := range results {
		assert.NoError(t, err, "utterance %d", i)
	}
}

func TestSynthesisErrorContinuesQueue(t *testing.T) {
	engine := newMockEngine()
	engine.autoEnd = true
	engine.failOn["bad"] = errors.New("synth blew up")
	q, _ := newTestQueue(t, engine)

	err := q.Speak(context.Background(), "bad")
	require.ErrorIs(t, err, ErrSynthesis)

	// The failure is per-utterance; the queue keeps going.
	assert.NoError(t, q.Speak(context.Background(), "good"))
	assert.Equal(t, []string{"bad", "good"}, engine.spokenTexts())
}

func TestEngineSpeakError(t *testing.T) {
	engine := newMockEngine()
	engine.speakErr = errors.New("engine unavailable")
	q, _ := newTestQueue(t, engine)

	err := q.Speak(context.Background(), "hello")
	require.ErrorIs(t, err, ErrSynthesis)
	assert.False(t, q.Speaking())
}

func TestStopCancelsActiveAndClearsQueue(t *testing.T) {
	engine := newMockEngine()
	q, _ := newTestQueue(t, engine)

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(1)
	go func() { defer wg.Done(); errA = q.Speak(context.Background(), "A") }()
	waitForSpoken(t, engine, 1)
	wg.Add(1)
	go func() { defer wg.Done(); errB = q.Speak(context.Background(), "B") }()
	require.Eventually(t, func() bool { return q.QueueLen() == 1 }, time.Second, time.Millisecond)

	q.Stop()
	wg.Wait()

	// Both promises resolve as no-ops; the engine was told to cancel.
	assert.NoError(t, errA)
	assert.NoError(t, errB)
	assert.Equal(t, 1, engine.cancels)
	assert.Equal(t, []string{"A"}, engine.spokenTexts())
	assert.False(t, q.Speaking())
	assert.Equal(t, 0, q.QueueLen())

	// A late engine callback for the canceled utterance is ignored.
	engine.endUtterance(0)
	assert.False(t, q.Speaking())
}

// timerEngine completes utterances on a short timer unless canceled first.
// Canceled utterances fire no callback, per the Engine contract.
type timerEngine struct {
	mu     sync.Mutex
	cancel chan struct{}
}

func (e *timerEngine) Supported() bool { return true }

func (e *timerEngine) Voices() []Voice {
	return []Voice{{Name: "Timer", Locale: "en-US", Default: true}}
}

func (e *timerEngine) Speak(u *Utterance) error {
	cancel := make(chan struct{})
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go func() {
		select {
		case <-cancel:
		case <-time.After(time.Millisecond):
			u.OnEnd()
		}
	}()
	return nil
}

func (e *timerEngine) Cancel() {
	e.mu.Lock()
	if e.cancel != nil {
		close(e.cancel)
		e.cancel = nil
	}
	e.mu.Unlock()
}

// A Speak racing a Stop must always resolve: either Stop abandons the item
// or the utterance plays out. An utterance silenced at the engine with its
// promise left hanging strands the caller forever.
func TestStopConcurrentWithSpeakAlwaysResolves(t *testing.T) {
	engine := &timerEngine{}
	q, _ := newTestQueue(t, engine)

	for i := 0; i < 200; i++ {
		done := make(chan error, 1)
		go func() { done <- q.Speak(context.Background(), "race") }()
		q.Stop()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Speak never resolved after a concurrent Stop")
		}
	}
}

func TestClearQueueKeepsActiveUtterance(t *testing.T) {
	engine := newMockEngine()
	q, _ := newTestQueue(t, engine)

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(1)
	go func() { defer wg.Done(); errA = q.Speak(context.Background(), "A") }()
	waitForSpoken(t, engine, 1)
	wg.Add(1)
	go func() { defer wg.Done(); errB = q.Speak(context.Background(), "B") }()
	require.Eventually(t, func() bool { return q.QueueLen() == 1 }, time.Second, time.Millisecond)

	q.ClearQueue()

	assert.True(t, q.Speaking(), "active utterance must survive ClearQueue")
	assert.Equal(t, 0, q.QueueLen())
	assert.Equal(t, 0, engine.cancels)

	engine.endUtterance(0)
	wg.Wait()
	assert.NoError(t, errA)
	assert.NoError(t, errB)
	assert.Equal(t, []string{"A"}, engine.spokenTexts())
}

func TestSpeakContextCancelStopsWaitOnly(t *testing.T) {
	engine := newMockEngine()
	q, _ := newTestQueue(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Speak(ctx, "A") }()
	waitForSpoken(t, engine, 1)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Speak did not return after context cancel")
	}

	// The utterance itself is still active at the engine.
	assert.True(t, q.Speaking())
	assert.Equal(t, 0, engine.cancels)
}

func TestSetConfigClampsAndPersists(t *testing.T) {
	engine := newMockEngine()
	q, store := newTestQueue(t, engine)

	got := q.SetConfig(Config{Rate: 99, Pitch: -3, Volume: 2, VoiceName: "Vesper", VoiceLocale: "en-GB"})
	assert.Equal(t, MaxRate, got.Rate)
	assert.Equal(t, MinPitch, got.Pitch)
	assert.Equal(t, MaxVolume, got.Volume)
	assert.Equal(t, "Vesper", q.Voice().Name)

	// A fresh queue over the same store restores the clamped config and
	// re-resolves the voice by name.
	q2 := NewQueue(newMockEngine(), store, zerolog.Nop())
	assert.Equal(t, got, q2.Config())
	assert.Equal(t, "Vesper", q2.Voice().Name)
}

func TestVoiceResolutionFallsBackToDefault(t *testing.T) {
	engine := newMockEngine()
	q, _ := newTestQueue(t, engine)

	q.SetConfig(Config{Rate: 1, Pitch: 1, Volume: 1, VoiceName: "Ghost", VoiceLocale: "xx-XX"})
	assert.Equal(t, "Alloy", q.Voice().Name, "missing voice falls back to engine default")
}

func TestCorruptConfigDiscarded(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	type wrongShape struct {
		Rate string `json:"rate"`
	}
	require.NoError(t, store.Save("speech_config", &wrongShape{Rate: "fast"}))

	q := NewQueue(newMockEngine(), store, zerolog.Nop())
	assert.Equal(t, DefaultConfig(), q.Config())
}
