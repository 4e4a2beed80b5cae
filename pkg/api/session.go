package api

import "time"

type (
	// Lifecycle represents the current state of a session
	Lifecycle string

	// ErrorKind classifies the origin of a session error
	ErrorKind string

	// Channel classifies the inbound surface a session was created from
	Channel string

	// SessionState is the durable portion of one workflow run. Variables are
	// persisted alongside but loaded lazily; everything else travels as one
	// snapshot
	SessionState struct {
		ID         SessionID  `json:"id"`
		WorkflowID WorkflowID `json:"workflow_id"`
		BlockID    BlockID    `json:"block_id"`
		Lifecycle  Lifecycle  `json:"lifecycle"`
		ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
		Channel    Channel    `json:"channel"`
		Lang       string     `json:"lang"`
		UserID     string     `json:"user_id,omitempty"`
		CallerIP   string     `json:"caller_ip,omitempty"`
		UserAgent  string     `json:"user_agent,omitempty"`
		OriginWID  WorkflowID `json:"origin_wid,omitempty"`
		StartedAt  time.Time  `json:"started_at"`
		ExpiresAt  time.Time  `json:"expires_at"`
		CallStack  []*Frame   `json:"call_stack,omitempty"`
	}

	// Frame records where to resume after a sub-workflow returns. The call
	// stack is an explicit slice, never a cyclic pointer graph
	Frame struct {
		WorkflowID  WorkflowID `json:"workflow_id"`
		ReturnBlock BlockID    `json:"return_block"`
		Title       string     `json:"title,omitempty"`
	}

	// HistoryEntry is one rendered step recorded in session history
	HistoryEntry struct {
		BlockID  BlockID   `json:"block_id"`
		Rendered string    `json:"rendered"`
		At       time.Time `json:"at"`
	}

	// LogEntry is one diagnostic line recorded against a session
	LogEntry struct {
		Text    string    `json:"text"`
		Channel string    `json:"channel,omitempty"`
		At      time.Time `json:"at"`
	}

	// UsageStat is one usage record for a block visit
	UsageStat struct {
		BlockID BlockID   `json:"block_id"`
		Payload string    `json:"payload,omitempty"`
		IsStart bool      `json:"is_start,omitempty"`
		At      time.Time `json:"at"`
	}
)

const (
	LifecycleStarting  Lifecycle = "starting"
	LifecycleRunning   Lifecycle = "running"
	LifecycleSuspended Lifecycle = "suspended"
	LifecycleEnded     Lifecycle = "ended"
	LifecycleError     Lifecycle = "error"
)

const (
	ErrorNone     ErrorKind = ""
	ErrorInternal ErrorKind = "internal"
	ErrorExternal ErrorKind = "external"
	ErrorUser     ErrorKind = "user"
)

const (
	ChannelWeb       Channel = "web"
	ChannelMobile    Channel = "mobile"
	ChannelMessenger Channel = "messenger"
	ChannelBot       Channel = "bot"
)

// IsActive reports whether the session can still process steps
func (s *SessionState) IsActive() bool {
	switch s.Lifecycle {
	case LifecycleStarting, LifecycleRunning, LifecycleSuspended:
		return true
	default:
		return false
	}
}

// IsExpired reports whether the session has passed its expiry stamp
func (s *SessionState) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// PushFrame appends a call-stack frame
func (s *SessionState) PushFrame(f *Frame) {
	s.CallStack = append(s.CallStack, f)
}

// PopFrame removes and returns the most recent call-stack frame
func (s *SessionState) PopFrame() (*Frame, bool) {
	if len(s.CallStack) == 0 {
		return nil, false
	}
	last := s.CallStack[len(s.CallStack)-1]
	s.CallStack = s.CallStack[:len(s.CallStack)-1]
	return last, true
}
