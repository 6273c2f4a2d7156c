package mode

import "time"

// Mode identifies the active rendering/speech backend. Exactly one mode is
// active at a time.
type Mode string

const (
	// ModeStatic shows the placeholder avatar. No backend is active.
	ModeStatic Mode = "static"
	// ModeConnecting is transient, entered only while a remote session is
	// being created.
	ModeConnecting Mode = "connecting"
	// ModeInteractive routes speech through the remote streaming avatar.
	ModeInteractive Mode = "interactive"
	// ModeFallback routes speech through the local speech queue.
	ModeFallback Mode = "fallback"
)

// ValidTarget reports whether m may be requested through SwitchToMode.
// Connecting is transient and never a valid target.
func (m Mode) ValidTarget() bool {
	switch m {
	case ModeStatic, ModeInteractive, ModeFallback:
		return true
	}
	return false
}

// ChangeEvent is emitted on every mode transition. Events are emitted, never
// stored.
type ChangeEvent struct {
	From      Mode
	To        Mode
	Reason    string
	Timestamp time.Time
}
