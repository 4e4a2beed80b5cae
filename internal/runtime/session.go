package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/internal/util"
	"github.com/waypost/engine/pkg/api"
)

// Session is the in-memory working copy of one workflow run. All mutations
// made while processing a step accumulate here and are flushed to the
// session store in a single write when the processing unit closes
type Session struct {
	state   *api.SessionState
	vars    map[api.Name]*api.Variable
	dirty   util.Set[api.Name]
	history []*api.HistoryEntry
	logs    []*api.LogEntry
	stats   []*api.UsageStat
	mu      sync.Mutex
}

// lifecycleGraph lists the legal lifecycle transitions. Ended and error
// are terminal
var lifecycleGraph = util.StateTransitions[api.Lifecycle]{
	api.LifecycleStarting: util.SetOf(
		api.LifecycleRunning, api.LifecycleEnded, api.LifecycleError,
	),
	api.LifecycleRunning: util.SetOf(
		api.LifecycleSuspended, api.LifecycleEnded, api.LifecycleError,
	),
	api.LifecycleSuspended: util.SetOf(
		api.LifecycleRunning, api.LifecycleEnded, api.LifecycleError,
	),
}

// NewSession wraps a loaded state snapshot and its variables
func NewSession(
	state *api.SessionState, vars map[api.Name]*api.Variable,
) *Session {
	if vars == nil {
		vars = map[api.Name]*api.Variable{}
	}
	return &Session{
		state: state,
		vars:  vars,
		dirty: util.Set[api.Name]{},
	}
}

// State returns the mutable state snapshot
func (s *Session) State() *api.SessionState {
	return s.state
}

// ID returns the session id
func (s *Session) ID() api.SessionID {
	return s.state.ID
}

// Var returns a session variable by its sigiled name
func (s *Session) Var(name api.Name) (*api.Variable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// Variables returns a shallow copy of the variable table
func (s *Session) Variables() map[api.Name]*api.Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[api.Name]*api.Variable, len(s.vars))
	for k, v := range s.vars {
		res[k] = v
	}
	return res
}

// Assign sets a session variable. The name must carry the sigil and must
// not be reserved. Assigning a value equal to the current one is a no-op
// and does not mark the variable dirty
func (s *Session) Assign(name api.Name, value any) error {
	if err := api.ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.vars[name]; ok && cur.Equal(value) {
		return nil
	}
	v := api.NewVariable(value)
	v.Dirty = true
	s.vars[name] = v
	s.dirty.Add(name)
	return nil
}

// Remove deletes a session variable, persisting the deletion as an
// explicit null
func (s *Session) Remove(name api.Name) error {
	if err := api.ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[name]; !ok {
		return nil
	}
	v := api.NewVariable(nil)
	v.Dirty = true
	s.vars[name] = v
	s.dirty.Add(name)
	return nil
}

// RecordHistory appends one rendered step to the history buffer
func (s *Session) RecordHistory(blockID api.BlockID, rendered string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, &api.HistoryEntry{
		BlockID:  blockID,
		Rendered: rendered,
		At:       time.Now(),
	})
}

// Log appends one diagnostic line to the log buffer
func (s *Session) Log(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, &api.LogEntry{
		Text:    text,
		Channel: string(s.state.Channel),
		At:      time.Now(),
	})
}

// RecordUsage appends one usage record to the stats buffer
func (s *Session) RecordUsage(
	blockID api.BlockID, payload string, isStart bool,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, &api.UsageStat{
		BlockID: blockID,
		Payload: payload,
		IsStart: isStart,
		At:      time.Now(),
	})
}

// SetBlock records the session's current block
func (s *Session) SetBlock(id api.BlockID) {
	s.state.BlockID = id
}

// Transition moves the session lifecycle, rejecting transitions the graph
// does not allow
func (s *Session) Transition(to api.Lifecycle) error {
	from := s.state.Lifecycle
	if from == to {
		return nil
	}
	if !lifecycleGraph.CanTransition(from, to) {
		return fmt.Errorf(
			"illegal lifecycle transition: %s to %s", from, to,
		)
	}
	s.state.Lifecycle = to
	return nil
}

// FlagError records an error substate without ending the session
func (s *Session) FlagError(kind api.ErrorKind) {
	s.state.ErrorKind = kind
}

// Fail moves the session into its terminal error state
func (s *Session) Fail(kind api.ErrorKind) {
	s.state.Lifecycle = api.LifecycleError
	s.state.ErrorKind = kind
}

// End moves the session into its terminal ended state
func (s *Session) End() {
	s.state.Lifecycle = api.LifecycleEnded
}

// MoveTo pushes a call-stack frame and switches the session to a
// sub-workflow
func (s *Session) MoveTo(
	wid api.WorkflowID, start api.BlockID, returnBlock api.BlockID,
	title string,
) {
	s.state.PushFrame(&api.Frame{
		WorkflowID:  s.state.WorkflowID,
		ReturnBlock: returnBlock,
		Title:       title,
	})
	s.state.WorkflowID = wid
	s.state.BlockID = start
}

// MoveBack pops the call stack and restores the caller's workflow and
// return block
func (s *Session) MoveBack() (*api.Frame, error) {
	frame, ok := s.state.PopFrame()
	if !ok {
		return nil, api.ErrEmptyCallStack
	}
	s.state.WorkflowID = frame.WorkflowID
	s.state.BlockID = frame.ReturnBlock
	return frame, nil
}

// Touch pushes the expiry stamp forward by the session duration
func (s *Session) Touch(duration time.Duration) {
	s.state.ExpiresAt = time.Now().Add(duration)
}

// CloseRequest assembles the single-write flush of everything this
// processing unit buffered. Incremental mode ships only dirty variables
func (s *Session) CloseRequest(incremental bool) *store.CloseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := &store.CloseRequest{
		State:       s.state,
		History:     s.history,
		Logs:        s.logs,
		Stats:       s.stats,
		Incremental: incremental,
		Now:         time.Now(),
	}
	if incremental {
		req.Dirty = make(map[api.Name]*api.Variable, s.dirty.Len())
		for name := range s.dirty {
			req.Dirty[name] = s.vars[name]
		}
	} else {
		req.Variables = make(map[api.Name]*api.Variable, len(s.vars))
		for k, v := range s.vars {
			req.Variables[k] = v
		}
	}
	return req
}
