package api

import (
	"errors"
	"fmt"
)

type (
	// Command is one structured effect returned by a block script. Scripts
	// return an ordered list of single-entry maps; order is preserved here
	Command struct {
		Name Name  `json:"name"`
		Args []any `json:"args,omitempty"`
	}
)

// Well-known command names dispatched by the executor
const (
	CmdExit            Name = "exit"
	CmdSendEmail       Name = "sendEmail"
	CmdCallWorkflow    Name = "callWorkflow"
	CmdReturn          Name = "return"
	CmdNotify          Name = "notify"
	CmdHTTPCall        Name = "httpCall"
	CmdRequestUserInfo Name = "requestUserInfo"
)

var ErrMalformedCommand = errors.New("malformed script command")

// IsAssignment reports whether the command is a direct variable assignment
// rather than a dispatchable effect
func (c *Command) IsAssignment() bool {
	return c.Name.HasSigil()
}

// ExitIndex extracts the exit index from an exit command. Non-numeric or
// missing arguments yield index 0
func (c *Command) ExitIndex() int {
	if len(c.Args) == 0 {
		return 0
	}
	switch v := c.Args[0].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// ParseCommands converts a raw script return value into an ordered command
// list. Accepted shape: a list of single-entry maps, e.g.
// [{"sendEmail": [...]}, {"exit": [1]}]. A nil value yields no commands
func ParseCommands(raw any) ([]*Command, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected list, got %T", ErrMalformedCommand, raw)
	}

	res := make([]*Command, 0, len(list))
	for _, item := range list {
		cmd, err := parseCommand(item)
		if err != nil {
			return nil, err
		}
		res = append(res, cmd)
	}
	return res, nil
}

func parseCommand(item any) (*Command, error) {
	entry, ok := item.(map[string]any)
	if !ok || len(entry) != 1 {
		return nil, fmt.Errorf(
			"%w: expected single-entry map, got %T", ErrMalformedCommand, item,
		)
	}
	for name, args := range entry {
		cmd := &Command{Name: Name(name)}
		switch a := args.(type) {
		case nil:
		case []any:
			cmd.Args = a
		default:
			cmd.Args = []any{a}
		}
		return cmd, nil
	}
	return nil, ErrMalformedCommand
}
