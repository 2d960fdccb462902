package domain

import "time"

// EventType identifies a session lifecycle transition published to
// observers.
type EventType string

const (
	EventLoggedIn       EventType = "logged_in"
	EventLoggedOut      EventType = "logged_out"
	EventSessionTimeout EventType = "session_timeout"
	EventRefreshed      EventType = "refreshed"
)

// Event is delivered at most once per subscriber per transition.
type Event struct {
	Type EventType
	At   time.Time
}
