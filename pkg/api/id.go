package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type (
	// WorkflowID is the external alias (WID) of a workflow
	WorkflowID string

	// BlockID is a unique identifier for a block within a workflow
	BlockID string

	// SessionID identifies one durable run-instance of a workflow
	SessionID string

	// Name is a string identifier for variables, arguments, and commands
	Name string
)

// InvalidIDChars matches characters not permitted in workflow and block IDs.
// Valid characters are: letters, digits, underscore, dot, hyphen, plus, space
var InvalidIDChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-+ ]`)

// NewSessionID generates a fresh random session identifier
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// SanitizeID lowercases an ID, removes invalid characters, replaces spaces
// with hyphens, and trims leading and trailing hyphens
func SanitizeID[T ~string](id T) T {
	lower := strings.ToLower(string(id))
	sanitized := InvalidIDChars.ReplaceAllString(lower, "")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	return T(strings.Trim(sanitized, "-"))
}
