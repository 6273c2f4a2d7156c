// Package speech provides the local text-to-speech fallback: a strict-FIFO
// utterance queue over an opaque synthesis engine.
package speech

import "errors"

// Common errors
var (
	ErrUnsupported = errors.New("speech synthesis unsupported")
	ErrSynthesis   = errors.New("speech synthesis failed")
)

// Voice identifies an engine voice.
type Voice struct {
	Name    string `json:"name"`
	Locale  string `json:"locale"`
	Default bool   `json:"default"`
}

// Utterance is one piece of text handed to the engine together with its
// delivery parameters and completion callbacks. Callbacks fire from the
// engine's own context and must not block.
type Utterance struct {
	Text   string
	Voice  Voice
	Rate   float64
	Pitch  float64
	Volume float64

	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Engine abstracts the platform speech synthesizer.
type Engine interface {
	// Supported reports whether synthesis is available at all.
	Supported() bool

	// Voices lists the voices the engine can render.
	Voices() []Voice

	// Speak starts synthesizing u. Exactly one of OnEnd or OnError fires
	// afterwards, unless Cancel is called first.
	Speak(u *Utterance) error

	// Cancel aborts the active utterance, if any. No callback fires for a
	// canceled utterance.
	Cancel()
}
