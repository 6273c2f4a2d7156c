package speech

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// baseWordsPerMinute is the pace at Rate 1.0.
const baseWordsPerMinute = 175

// ConsoleEngine renders utterances as text on a writer, paced like real
// synthesis so queue and cancellation behavior can be exercised without a
// platform voice stack.
type ConsoleEngine struct {
	out    io.Writer
	voices []Voice

	mu     sync.Mutex
	cancel chan struct{}
}

// NewConsoleEngine creates an engine writing to out.
func NewConsoleEngine(out io.Writer) *ConsoleEngine {
	return &ConsoleEngine{
		out: out,
		voices: []Voice{
			{Name: "Samantha", Locale: "en-US", Default: true},
			{Name: "Daniel", Locale: "en-GB"},
		},
	}
}

// Supported always reports true; the console is always present.
func (e *ConsoleEngine) Supported() bool { return true }

// Voices lists the simulated voices.
func (e *ConsoleEngine) Voices() []Voice {
	voices := make([]Voice, len(e.voices))
	copy(voices, e.voices)
	return voices
}

// Speak prints the utterance and fires OnEnd after a pace-derived delay.
func (e *ConsoleEngine) Speak(u *Utterance) error {
	cancel := make(chan struct{})
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	rate := u.Rate
	if rate <= 0 {
		rate = 1.0
	}
	words := len(strings.Fields(u.Text))
	duration := time.Duration(float64(words) / (baseWordsPerMinute * rate) * float64(time.Minute))

	if u.OnStart != nil {
		u.OnStart()
	}
	fmt.Fprintf(e.out, "[%s] %s\n", u.Voice.Name, u.Text)

	go func() {
		select {
		case <-cancel:
			// Canceled utterances fire no callback.
		case <-time.After(duration):
			if u.OnEnd != nil {
				u.OnEnd()
			}
		}
	}()
	return nil
}

// Cancel aborts the active utterance, if any.
func (e *ConsoleEngine) Cancel() {
	e.mu.Lock()
	if e.cancel != nil {
		close(e.cancel)
		e.cancel = nil
	}
	e.mu.Unlock()
}
