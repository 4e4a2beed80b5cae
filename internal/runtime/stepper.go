package runtime

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/waypost/engine/internal/runtime/script"
	"github.com/waypost/engine/pkg/api"
	"github.com/waypost/engine/pkg/log"
)

type (
	// Stepper drives one session through the block graph until it suspends
	// awaiting user input, terminates, or errors. One Step call processes
	// synchronously to completion; concurrency lives across sessions, not
	// inside one
	Stepper struct {
		defs          *Definitions
		scripts       *script.Registry
		dispatcher    *Dispatcher
		renderer      *Renderer
		logger        *slog.Logger
		loopCeiling   int
		scriptTimeout time.Duration
	}

	// StepInput is the externally supplied payload for one step: submitted
	// form values, an optional bulk pre-seed, and the exit index of the
	// button the user actually pressed
	StepInput struct {
		Values    map[api.Name]string `json:"values,omitempty"`
		Arbitrary map[api.Name]any    `json:"arbitrary,omitempty"`
		Choice    *int                `json:"choice,omitempty"`
	}

	// StepResult is what one step call hands back to the transport layer
	StepResult struct {
		SessionID api.SessionID      `json:"session_id"`
		Lifecycle api.Lifecycle      `json:"lifecycle"`
		ErrorKind api.ErrorKind      `json:"error_kind,omitempty"`
		BlockID   api.BlockID        `json:"block_id"`
		Elements  []*RenderedElement `json:"elements,omitempty"`
		Prompt    string             `json:"prompt,omitempty"`
	}
)

// NewStepper assembles a stepper from its collaborators
func NewStepper(
	defs *Definitions, scripts *script.Registry, dispatcher *Dispatcher,
	renderer *Renderer, logger *slog.Logger, loopCeiling int,
	scriptTimeout time.Duration,
) *Stepper {
	return &Stepper{
		defs:          defs,
		scripts:       scripts,
		dispatcher:    dispatcher,
		renderer:      renderer,
		logger:        logger,
		loopCeiling:   loopCeiling,
		scriptTimeout: scriptTimeout,
	}
}

// Step runs the session forward: merge input, fetch the current block,
// run its script, dispatch commands, render elements, resolve the next
// block, and loop. The loop ceiling is the circuit breaker against cyclic
// graphs lacking a terminal block
func (st *Stepper) Step(
	ctx context.Context, s *Session, input *StepInput,
) (*StepResult, error) {
	if input == nil {
		input = &StepInput{}
	}
	st.mergeInput(s, input)

	// a suspended session resumes with its rendered block already answered:
	// that block resolves its exit instead of rendering again
	answered := s.State().Lifecycle == api.LifecycleSuspended
	if err := s.Transition(api.LifecycleRunning); err != nil {
		return nil, err
	}

	buffer := &RenderBuffer{}
	choice := input.Choice

	for i := 0; i < st.loopCeiling; i++ {
		skip := answered
		answered = false
		mark := buffer.Mark()
		state := s.State()
		block, err := st.defs.BuildBlock(
			ctx, state.WorkflowID, state.BlockID, state.Lang,
		)
		if err != nil {
			st.logger.Error("Failed to build block",
				log.SessionID(s.ID()),
				log.WorkflowID(state.WorkflowID),
				log.BlockID(state.BlockID),
				log.Error(err))
			s.Fail(api.ErrorInternal)
			return st.result(s, buffer), err
		}
		s.RecordUsage(block.ID, "", block.IsStart)

		// the answered block already ran its script before suspending
		dispatched := &Dispatched{}
		if !skip {
			dispatched = st.runScript(ctx, s, block)
		}

		if dispatched.Return {
			if _, err := s.MoveBack(); err != nil {
				s.Log("return with empty call stack")
				st.logger.Warn("Return with empty call stack",
					log.SessionID(s.ID()))
				s.Fail(api.ErrorInternal)
				return st.result(s, buffer), nil
			}
			choice = nil
			continue
		}
		if dispatched.Call != nil {
			if !st.callWorkflow(ctx, s, block, dispatched, choice) {
				return st.result(s, buffer), nil
			}
			choice = nil
			continue
		}

		forced := dispatched.Exit
		if forced == nil && !skip {
			st.renderElements(s, block, dispatched, buffer)
			if buffer.Mark() > mark {
				s.RecordHistory(block.ID, buffer.TranscriptSince(mark))
			}
			if buffer.AwaitsInput() || dispatched.RequestInfo {
				_ = s.Transition(api.LifecycleSuspended)
				return st.result(s, buffer), nil
			}
		}

		if block.IsTerminal() {
			st.terminate(s, block, buffer)
			return st.result(s, buffer), nil
		}

		index := 0
		if forced != nil {
			index = *forced
		} else if choice != nil {
			index = *choice
			choice = nil
		}
		next, ok := block.ExitTarget(index)
		if !ok || next == "" {
			st.terminate(s, block, buffer)
			return st.result(s, buffer), nil
		}
		s.SetBlock(next)
	}

	st.logger.Error("Loop ceiling exceeded",
		log.SessionID(s.ID()),
		log.WorkflowID(s.State().WorkflowID),
		slog.Int("ceiling", st.loopCeiling))
	s.Log("loop of death: iteration ceiling exceeded")
	s.Fail(api.ErrorInternal)
	return st.result(s, buffer), api.ErrLoopGuardTripped
}

// mergeInput folds submitted values into session variables. Values are
// trimmed and HTML-decoded; values carrying a JSON payload are decoded to
// their structured form
func (st *Stepper) mergeInput(s *Session, input *StepInput) {
	for name, raw := range input.Arbitrary {
		if err := s.Assign(name, raw); err != nil {
			st.rejectInput(s, name, err)
		}
	}
	for name, raw := range input.Values {
		value := decodeInputValue(raw)
		if err := s.Assign(name, value); err != nil {
			st.rejectInput(s, name, err)
		}
	}
}

func (st *Stepper) rejectInput(s *Session, name api.Name, err error) {
	st.logger.Warn("Rejected step input",
		log.SessionID(s.ID()),
		log.Variable(name),
		log.Error(err))
	s.Log(fmt.Sprintf("rejected input for %s", name))
}

// runScript compiles and executes the block's script, applies bare-write
// bindings, and dispatches the returned commands. Script failures flag
// the session but never abort the step loop
func (st *Stepper) runScript(
	ctx context.Context, s *Session, block *api.Block,
) *Dispatched {
	if block.Script == nil {
		return &Dispatched{}
	}
	state := s.State()
	wf, err := st.defs.GetWorkflow(ctx, state.WorkflowID)
	if err != nil {
		st.scriptFailure(s, block, err, api.ErrorInternal)
		return &Dispatched{}
	}
	compiled, err := st.scripts.Compile(wf, block.Script)
	if err != nil {
		st.scriptFailure(s, block, err, api.ErrorInternal)
		return &Dispatched{}
	}

	execCtx := ctx
	if st.scriptTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, st.scriptTimeout)
		defer cancel()
	}
	res, err := st.scripts.Execute(
		execCtx, block.Script.Language, compiled, scriptVars(s),
	)
	if err != nil {
		st.scriptFailure(s, block, err, api.ErrorInternal)
		return &Dispatched{}
	}

	if len(res.Neutralized) > 0 {
		st.logger.Warn("Neutralized forbidden capabilities",
			log.SessionID(s.ID()),
			log.BlockID(block.ID),
			slog.Any("capabilities", res.Neutralized))
		s.Log(fmt.Sprintf(
			"neutralized capabilities: %s",
			strings.Join(res.Neutralized, ", "),
		))
		s.FlagError(api.ErrorUser)
	}

	for name, value := range res.Bindings {
		if err := s.Assign(name, value); err != nil {
			st.rejectInput(s, name, err)
		}
	}

	return st.dispatcher.Dispatch(ctx, s, res.Commands)
}

func (st *Stepper) scriptFailure(
	s *Session, block *api.Block, err error, kind api.ErrorKind,
) {
	msg := script.SanitizeError(err.Error())
	st.logger.Error("Script execution failed",
		log.SessionID(s.ID()),
		log.BlockID(block.ID),
		log.ErrorString(msg))
	s.Log(fmt.Sprintf("script failure in %s: %s", block.ID, msg))
	s.FlagError(kind)
}

// renderElements renders the block's elements in declaration order into
// the buffer, then appends any elements the dispatcher generated
func (st *Stepper) renderElements(
	s *Session, block *api.Block, dispatched *Dispatched,
	buffer *RenderBuffer,
) {
	for _, e := range block.Elements {
		if e.Kind == api.ElementTextAssign {
			if err := s.Assign(
				e.Name, st.renderer.Substitute(s, e.Text),
			); err != nil {
				st.rejectInput(s, e.Name, err)
			}
			continue
		}
		buffer.Add(st.renderer.Element(s, e))
	}
	for _, e := range dispatched.Render {
		buffer.Add(e)
	}
}

// callWorkflow switches the session into a sub-workflow, recording the
// caller's resume point. A missing or inactive target fails the session
func (st *Stepper) callWorkflow(
	ctx context.Context, s *Session, block *api.Block,
	dispatched *Dispatched, choice *int,
) bool {
	cmd := dispatched.Call
	target := api.WorkflowID(argString(cmd.Args, 0))
	title := argString(cmd.Args, 1)

	start, active, err := st.defs.GetFirstBlock(ctx, target)
	if err != nil || !active {
		st.logger.Error("Sub-workflow unavailable",
			log.SessionID(s.ID()),
			log.WorkflowID(target),
			log.Error(err))
		s.Log(fmt.Sprintf("sub-workflow unavailable: %s", target))
		s.Fail(api.ErrorInternal)
		return false
	}

	index := 0
	if choice != nil {
		index = *choice
	}
	returnBlock := block.ID
	if next, ok := block.ExitTarget(index); ok && next != "" {
		returnBlock = next
	}
	s.MoveTo(target, start, returnBlock, title)
	return true
}

// terminate ends the session, stamps expiry to immediate, and emits the
// terminal render marker
func (st *Stepper) terminate(
	s *Session, block *api.Block, buffer *RenderBuffer,
) {
	s.End()
	s.State().ExpiresAt = time.Now()
	buffer.Add(&RenderedElement{
		Kind:  api.ElementLabel,
		Class: "terminal",
	})
	s.RecordUsage(block.ID, "terminal", false)
}

func (st *Stepper) result(s *Session, buffer *RenderBuffer) *StepResult {
	state := s.State()
	return &StepResult{
		SessionID: state.ID,
		Lifecycle: state.Lifecycle,
		ErrorKind: state.ErrorKind,
		BlockID:   state.BlockID,
		Elements:  buffer.Elements(),
		Prompt:    buffer.LastLabel(),
	}
}

// scriptVars snapshots session variables keyed by bare identifier for the
// sandbox
func scriptVars(s *Session) api.Args {
	vars := s.Variables()
	res := make(api.Args, len(vars))
	for name, v := range vars {
		if v.Kind == api.VariableNull {
			continue
		}
		res[api.Name(name.Strip())] = v.Value
	}
	return res
}

// decodeInputValue trims and HTML-decodes one submitted value. A value
// that parses as a JSON array or object is decoded to its structured form
func decodeInputValue(raw string) any {
	value := html.UnescapeString(strings.TrimSpace(raw))
	if len(value) > 0 && (value[0] == '[' || value[0] == '{') {
		if gjson.Valid(value) {
			return gjson.Parse(value).Value()
		}
	}
	return value
}
