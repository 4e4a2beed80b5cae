package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/waypost/engine/internal/client"
	"github.com/waypost/engine/pkg/api"
	"github.com/waypost/engine/pkg/log"
)

type (
	// Dispatcher maps structured script commands to their side-effecting
	// collaborators. Handler lookup is a flat map by command name; unknown
	// commands are logged and skipped, never fatal
	Dispatcher struct {
		mailer   client.Mailer
		notifier client.Notifier
		caller   client.Caller
		logger   *slog.Logger
		handlers map[api.Name]Handler
	}

	// Handler applies one command against a session, optionally appending
	// to the dispatch result
	Handler func(
		ctx context.Context, s *Session, cmd *api.Command, res *Dispatched,
	) error

	// Dispatched carries what a command list produced beyond side effects:
	// render additions and the control directives the stepper acts on
	Dispatched struct {
		Render      []*RenderedElement
		Exit        *int
		Call        *api.Command
		Return      bool
		RequestInfo bool
	}
)

// NewDispatcher wires the default handler set against the given
// collaborators
func NewDispatcher(
	mailer client.Mailer, notifier client.Notifier, caller client.Caller,
	logger *slog.Logger,
) *Dispatcher {
	d := &Dispatcher{
		mailer:   mailer,
		notifier: notifier,
		caller:   caller,
		logger:   logger,
	}
	d.handlers = map[api.Name]Handler{
		api.CmdSendEmail:       d.sendEmail,
		api.CmdNotify:          d.notify,
		api.CmdHTTPCall:        d.httpCall,
		api.CmdRequestUserInfo: d.requestUserInfo,
	}
	return d
}

// Register installs or replaces the handler for a command name
func (d *Dispatcher) Register(name api.Name, h Handler) {
	d.handlers[name] = h
}

// Dispatch applies a command list in order. Assignments write directly to
// the session; exit, callWorkflow, and return are recorded as control
// directives for the stepper; everything else goes through the handler
// map. Collaborator failures flag the session's external error substate
// and are logged, but never abort the remaining commands
func (d *Dispatcher) Dispatch(
	ctx context.Context, s *Session, commands []*api.Command,
) *Dispatched {
	res := &Dispatched{}
	for _, cmd := range commands {
		if cmd.IsAssignment() {
			d.assign(s, cmd)
			continue
		}
		switch cmd.Name {
		case api.CmdExit:
			if res.Exit == nil {
				idx := cmd.ExitIndex()
				res.Exit = &idx
			}
		case api.CmdCallWorkflow:
			res.Call = cmd
		case api.CmdReturn:
			res.Return = true
		default:
			d.apply(ctx, s, cmd, res)
		}
	}
	return res
}

func (d *Dispatcher) apply(
	ctx context.Context, s *Session, cmd *api.Command, res *Dispatched,
) {
	handler, ok := d.handlers[cmd.Name]
	if !ok {
		d.logger.Warn("Unknown script command",
			log.SessionID(s.ID()),
			log.Command(cmd.Name))
		s.Log(fmt.Sprintf("unknown command: %s", cmd.Name))
		return
	}
	if err := handler(ctx, s, cmd, res); err != nil {
		d.logger.Warn("Command handler failed",
			log.SessionID(s.ID()),
			log.Command(cmd.Name),
			log.Error(err))
		s.Log(fmt.Sprintf("command %s failed: %s", cmd.Name, err))
		s.FlagError(api.ErrorExternal)
	}
}

func (d *Dispatcher) assign(s *Session, cmd *api.Command) {
	var value any
	if len(cmd.Args) == 1 {
		value = cmd.Args[0]
	} else if len(cmd.Args) > 1 {
		value = cmd.Args
	}
	if err := s.Assign(cmd.Name, value); err != nil {
		d.logger.Warn("Assignment rejected",
			log.SessionID(s.ID()),
			log.Variable(cmd.Name),
			log.Error(err))
		s.Log(fmt.Sprintf("assignment rejected: %s", cmd.Name))
		s.FlagError(api.ErrorUser)
	}
}

func (d *Dispatcher) sendEmail(
	ctx context.Context, s *Session, cmd *api.Command, _ *Dispatched,
) error {
	mail := &client.Mail{Session: string(s.ID())}
	if args, ok := namedArgs(cmd.Args); ok {
		mail.From = args.GetString("from", "")
		mail.To = args.GetString("to", "")
		mail.Subject = args.GetString("subject", "")
		mail.TextBody = args.GetString("text", "")
		mail.HTMLBody = args.GetString("html", "")
		mail.Attachments = stringList(args["attachments"])
	} else {
		if len(cmd.Args) < 3 {
			return fmt.Errorf("%w: sendEmail needs to, subject, body",
				api.ErrMalformedCommand)
		}
		mail.To = argString(cmd.Args, 0)
		mail.Subject = argString(cmd.Args, 1)
		mail.TextBody = argString(cmd.Args, 2)
		mail.HTMLBody = argString(cmd.Args, 3)
		mail.From = argString(cmd.Args, 4)
	}
	if mail.To == "" {
		return fmt.Errorf("%w: sendEmail needs a recipient",
			api.ErrMalformedCommand)
	}
	return d.mailer.Send(ctx, mail)
}

func (d *Dispatcher) notify(
	ctx context.Context, s *Session, cmd *api.Command, _ *Dispatched,
) error {
	if len(cmd.Args) == 0 {
		return fmt.Errorf("%w: notify needs a name",
			api.ErrMalformedCommand)
	}
	note := &client.Notification{Type: "info"}
	if args, ok := namedArgs(cmd.Args); ok {
		note.Type = args.GetString("type", "info")
		note.Name = args.GetString("name", "")
		note.Value = args["value"]
	} else if len(cmd.Args) == 1 {
		note.Name = argString(cmd.Args, 0)
	} else {
		note.Type = argString(cmd.Args, 0)
		note.Name = argString(cmd.Args, 1)
		if len(cmd.Args) > 2 {
			note.Value = cmd.Args[2]
		}
	}
	state := s.State()
	note.Channel = string(state.Channel)
	note.WorkflowID = string(state.WorkflowID)
	note.SessionID = string(state.ID)
	note.BlockID = string(state.BlockID)
	return d.notifier.Notify(ctx, note)
}

// httpCall performs a generic outbound call. An optional trailing sigiled
// name receives the decoded response as a session variable
func (d *Dispatcher) httpCall(
	ctx context.Context, s *Session, cmd *api.Command, _ *Dispatched,
) error {
	req := &client.CallRequest{}
	var target api.Name
	if args, ok := namedArgs(cmd.Args); ok {
		req.URL = args.GetString("url", "")
		req.Method = args.GetString("method", "")
		req.Body = args["body"]
		target = api.Name(args.GetString("target", ""))
	} else {
		req.URL = argString(cmd.Args, 0)
		rest := cmd.Args[1:]
		if len(rest) > 0 {
			if name := api.Name(
				argString(rest, len(rest)-1),
			); name.HasSigil() {
				target = name
				rest = rest[:len(rest)-1]
			}
		}
		if len(rest) > 0 {
			req.Method = argString(rest, 0)
		}
		if len(rest) > 1 {
			req.Body = rest[1]
		}
	}
	if req.URL == "" {
		return fmt.Errorf("%w: httpCall needs a url",
			api.ErrMalformedCommand)
	}
	result, err := d.caller.Call(ctx, req)
	if err != nil {
		return err
	}
	if target != "" {
		return s.Assign(target, map[string]any(argsToMap(result)))
	}
	return nil
}

// requestUserInfo appends a dynamically generated input element so the
// step suspends awaiting the requested value
func (d *Dispatcher) requestUserInfo(
	_ context.Context, _ *Session, cmd *api.Command, res *Dispatched,
) error {
	if len(cmd.Args) == 0 {
		return fmt.Errorf("%w: requestUserInfo needs a variable name",
			api.ErrMalformedCommand)
	}
	e := &RenderedElement{
		Kind:      api.ElementInput,
		Mandatory: true,
	}
	if args, ok := namedArgs(cmd.Args); ok {
		e.Name = api.Name(args.GetString("name", ""))
		e.Subtype = args.GetString("subtype", "")
		e.Exit = args.GetInt("exit", 0)
	} else {
		e.Name = api.Name(argString(cmd.Args, 0))
		if len(cmd.Args) > 1 {
			e.Subtype = argString(cmd.Args, 1)
		}
	}
	if err := api.ValidateName(e.Name); err != nil {
		return err
	}
	res.Render = append(res.Render, e)
	res.RequestInfo = true
	return nil
}

func argString(args []any, i int) string {
	if i < 0 || i >= len(args) {
		return ""
	}
	switch v := args[i].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func argsToMap(args api.Args) map[string]any {
	res := make(map[string]any, len(args))
	for k, v := range args {
		res[string(k)] = v
	}
	return res
}

// namedArgs detects the keyword form of a command: a single map argument.
// Positional forms pass through unchanged
func namedArgs(args []any) (api.Args, bool) {
	if len(args) != 1 {
		return nil, false
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, false
	}
	res := make(api.Args, len(m))
	for k, v := range m {
		res[api.Name(k)] = v
	}
	return res, true
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	res := make([]string, 0, len(list))
	for i := range list {
		if s := argString(list, i); s != "" {
			res = append(res, s)
		}
	}
	return res
}
