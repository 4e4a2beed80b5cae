package api

import "time"

type (
	// EventType discriminates the session events published on the engine's
	// event queue
	EventType string

	// SessionEvent is the envelope consumers receive for every session
	// transition worth observing
	SessionEvent struct {
		Type       EventType  `json:"type"`
		SessionID  SessionID  `json:"session_id"`
		WorkflowID WorkflowID `json:"workflow_id"`
		BlockID    BlockID    `json:"block_id,omitempty"`
		Lifecycle  Lifecycle  `json:"lifecycle"`
		ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
		At         time.Time  `json:"at"`
	}
)

const (
	SessionStarted   EventType = "session:started"
	SessionSuspended EventType = "session:suspended"
	SessionEnded     EventType = "session:ended"
	SessionErrored   EventType = "session:errored"
	WorkflowUpdated  EventType = "workflow:updated"
)
