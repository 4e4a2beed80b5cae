// Package store provides the durable storage boundaries of the engine: a
// SQLite-backed definition store for workflows and blocks, and a
// Redis-backed session store with one atomic write per processing unit
package store

import (
	"context"
	"time"

	"github.com/waypost/engine/pkg/api"
)

type (
	// DefinitionStore serves workflow and block definitions. All reads are
	// idempotent and side-effect-free; definitions are edited out-of-band
	// through Upsert, which is expected to invalidate any definition cache
	DefinitionStore interface {
		// GetWorkflow loads a workflow's runtime view by its WID
		GetWorkflow(ctx context.Context, wid api.WorkflowID) (*api.Workflow, error)

		// GetFirstBlock resolves a workflow's start block and active flag
		GetFirstBlock(
			ctx context.Context, wid api.WorkflowID,
		) (api.BlockID, bool, error)

		// GetBlockIDFromDescription finds a block by its description text
		GetBlockIDFromDescription(
			ctx context.Context, wid api.WorkflowID, description string,
		) (api.BlockID, error)

		// BuildBlock assembles a block with element text resolved for the
		// given language
		BuildBlock(
			ctx context.Context, wid api.WorkflowID, id api.BlockID,
			lang string,
		) (*api.Block, error)

		// UpsertWorkflow replaces a workflow definition and all its blocks
		UpsertWorkflow(ctx context.Context, def *WorkflowDef) error
	}

	// SessionStore persists session state. All runtime mutations are
	// buffered in memory; CloseSession writes them in one atomic unit
	SessionStore interface {
		// SessionExists reports whether a session id is present
		SessionExists(ctx context.Context, id api.SessionID) (bool, error)

		// GetActiveSession loads a session snapshot, or nil when absent
		GetActiveSession(
			ctx context.Context, id api.SessionID,
		) (*api.SessionState, error)

		// LoadVariables loads the session's variable snapshot
		LoadVariables(
			ctx context.Context, id api.SessionID,
		) (map[api.Name]*api.Variable, error)

		// LoadHistory loads the session's rendered history
		LoadHistory(
			ctx context.Context, id api.SessionID,
		) ([]*api.HistoryEntry, error)

		// StartSession persists a newly created session snapshot
		StartSession(ctx context.Context, state *api.SessionState) error

		// CloseSession flushes one processing unit's buffered mutations
		CloseSession(ctx context.Context, req *CloseRequest) error

		// ActiveSessions lists ids of sessions not yet closed or expired
		ActiveSessions(ctx context.Context) ([]api.SessionID, error)
	}

	// SessionLocker guards a session id against concurrent processing units
	// across engine instances
	SessionLocker interface {
		// Acquire takes the lock for a session, reporting false when another
		// unit holds it
		Acquire(
			ctx context.Context, id api.SessionID, ttl time.Duration,
		) (bool, error)

		// Release frees a previously acquired lock
		Release(ctx context.Context, id api.SessionID) error
	}

	// WorkflowDef is the authoring shape of a workflow: the runtime view
	// plus every block with localized element text
	WorkflowDef struct {
		Workflow *api.Workflow `json:"workflow"`
		Blocks   []*BlockDef   `json:"blocks"`
	}

	// BlockDef is the authoring shape of one block
	BlockDef struct {
		ID          api.BlockID       `json:"id"`
		Description string            `json:"description,omitempty"`
		IsStart     bool              `json:"is_start,omitempty"`
		Script      *api.ScriptConfig `json:"script,omitempty"`
		Elements    []*ElementDef     `json:"elements,omitempty"`
		Exits       []*api.Exit       `json:"exits,omitempty"`
	}

	// ElementDef carries per-language text and URI maps keyed by language
	// code; the empty key is the default
	ElementDef struct {
		Kind      api.ElementKind   `json:"kind"`
		Name      api.Name          `json:"name,omitempty"`
		Text      map[string]string `json:"text,omitempty"`
		URI       map[string]string `json:"uri,omitempty"`
		Class     string            `json:"class,omitempty"`
		Subtype   string            `json:"subtype,omitempty"`
		Mandatory bool              `json:"mandatory,omitempty"`
		Exit      int               `json:"exit,omitempty"`
		Options   []api.Option      `json:"options,omitempty"`
	}

	// CloseRequest carries everything one processing unit buffered
	CloseRequest struct {
		State       *api.SessionState
		Variables   map[api.Name]*api.Variable
		Dirty       map[api.Name]*api.Variable
		History     []*api.HistoryEntry
		Logs        []*api.LogEntry
		Stats       []*api.UsageStat
		Incremental bool
		Now         time.Time
	}
)

// Resolve returns the element's text for a language, falling back to the
// default entry
func (e *ElementDef) Resolve(lang string) (string, string) {
	text := e.Text[lang]
	if text == "" {
		text = e.Text[""]
	}
	uri := e.URI[lang]
	if uri == "" {
		uri = e.URI[""]
	}
	return text, uri
}

// Element materializes the runtime element for a language
func (e *ElementDef) Element(lang string) *api.Element {
	text, uri := e.Resolve(lang)
	return &api.Element{
		Kind:      e.Kind,
		Name:      e.Name,
		Text:      text,
		URI:       uri,
		Class:     e.Class,
		Subtype:   e.Subtype,
		Mandatory: e.Mandatory,
		Exit:      e.Exit,
		Options:   e.Options,
	}
}
