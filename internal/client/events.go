package client

import (
	"github.com/MarcoPoloResearchLab/coedit/internal/ot"
	"github.com/MarcoPoloResearchLab/coedit/internal/session"
)

// EventKind classifies an Event.
type EventKind string

const (
	EventStateChanged    EventKind = "state_changed"
	EventSynced          EventKind = "synced"
	EventRemoteOperation EventKind = "remote_operation"
	EventAcknowledged    EventKind = "acknowledged"
	EventUsers           EventKind = "users"
	EventUserJoined      EventKind = "user_joined"
	EventUserLeft        EventKind = "user_left"
	EventCursor          EventKind = "cursor"
	EventError           EventKind = "error"
)

// Event reports session activity. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	State session.ConnectionState

	// Operation is a remote edit already rebased onto the local text, or the
	// local edit the server acknowledged.
	Operation *ot.DocumentOperation
	Version   int64
	Content   string

	Users  []session.ActiveUserPayload
	UserID string
	Cursor *session.CursorUpdatePayload

	Err     error
	Failure *session.ErrorPayload
	Dropped []ot.DocumentOperation
}
