package api

type (
	// Workflow is the runtime view of a workflow definition. Definitions are
	// immutable while sessions execute; edits happen out-of-band and
	// invalidate the definition cache by tag
	Workflow struct {
		ID          WorkflowID `json:"id"`
		DisplayName string     `json:"display_name"`
		Active      bool       `json:"active"`
		StartBlock  BlockID    `json:"start_block"`
		// Functions is a shared chunk of helper definitions loaded into the
		// sandbox before any block script of this workflow
		Functions string `json:"functions,omitempty"`
	}

	// Block is one atomic workflow step: a script, renderable elements, and
	// an ordered exit list. A block with no exits is terminal
	Block struct {
		ID          BlockID       `json:"id"`
		Description string        `json:"description,omitempty"`
		IsStart     bool          `json:"is_start,omitempty"`
		Script      *ScriptConfig `json:"script,omitempty"`
		Elements    []*Element    `json:"elements,omitempty"`
		Exits       []*Exit       `json:"exits,omitempty"`
	}

	// Exit is a numbered edge from a block to its successor
	Exit struct {
		Index  int     `json:"index"`
		Target BlockID `json:"target"`
	}

	// ScriptConfig holds a block's embedded script and its language
	ScriptConfig struct {
		Language string `json:"language"`
		Source   string `json:"source"`
	}
)

// Supported sandbox languages
const (
	ScriptLangLua  = "lua"
	ScriptLangExpr = "expr"
)

// IsTerminal reports whether the block ends the session when reached
func (b *Block) IsTerminal() bool {
	return len(b.Exits) == 0
}

// ExitTarget resolves the target block for a chosen exit index. An
// out-of-range index falls back to exit 0
func (b *Block) ExitTarget(index int) (BlockID, bool) {
	if len(b.Exits) == 0 {
		return "", false
	}
	if index < 0 || index >= len(b.Exits) {
		index = 0
	}
	return b.Exits[index].Target, true
}
