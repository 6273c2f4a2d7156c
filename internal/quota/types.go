// Package quota tracks the persisted, time-based usage allotment for the
// remote avatar service and decides whether new sessions may start.
package quota

import "time"

// Status is derived from the ledger, never stored.
type Status string

const (
	StatusAvailable Status = "available"
	StatusWarning   Status = "warning"
	StatusExceeded  Status = "exceeded"
)

// SessionRecord is one settled session in the usage ledger. Records are
// append-only and never mutated after creation.
type SessionRecord struct {
	SessionID       string    `json:"sessionId"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	DurationSeconds float64   `json:"duration"`
	Cost            float64   `json:"cost"` // quota minutes
}

// State is the persisted usage ledger. UsedMinutes only grows until an
// explicit reset; an in-flight session may push it past TotalMinutes.
type State struct {
	TotalMinutes   float64         `json:"totalMinutes"`
	UsedMinutes    float64         `json:"usedMinutes"`
	SessionHistory []SessionRecord `json:"sessionHistory"`
	WarningShown   bool            `json:"warningShown"`
}

// EventType identifies quota status events.
type EventType string

const (
	EventExceeded EventType = "quota_exceeded"
	EventWarning  EventType = "quota_warning"
	EventReset    EventType = "quota_reset"
)

// Event is emitted on quota status changes.
type Event struct {
	Type             EventType
	RemainingMinutes float64
	Timestamp        time.Time
}

// Snapshot is a read-only view of the ledger for status indicators.
type Snapshot struct {
	Status           Status
	TotalMinutes     float64
	UsedMinutes      float64
	RemainingMinutes float64
	Sessions         int
}
