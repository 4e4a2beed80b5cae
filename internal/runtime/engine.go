package runtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/waypost/engine/internal/event"
	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/pkg/api"
	"github.com/waypost/engine/pkg/log"
)

type (
	// Engine is the runtime façade: it owns session creation, resumption,
	// and the single-write flush at the end of every processing unit. One
	// session processes one step at a time; the striped local locks plus
	// the store lock enforce that across goroutines and instances
	Engine struct {
		defs        *Definitions
		sessions    store.SessionStore
		locker      store.SessionLocker
		stepper     *Stepper
		events      event.Publisher
		logger      *slog.Logger
		duration    time.Duration
		incremental bool
		locks       [lockStripes]sync.Mutex
	}

	// Options wires an Engine from its collaborators
	Options struct {
		Definitions     *Definitions
		Sessions        store.SessionStore
		Locker          store.SessionLocker
		Stepper         *Stepper
		Events          event.Publisher
		Logger          *slog.Logger
		SessionDuration time.Duration
		Incremental     bool
	}

	// CreateRequest carries everything known about the inbound caller when
	// a session is created
	CreateRequest struct {
		WorkflowID   api.WorkflowID   `json:"workflow_id"`
		Lang         string           `json:"lang,omitempty"`
		UserID       string           `json:"user_id,omitempty"`
		CallerIP     string           `json:"caller_ip,omitempty"`
		UserAgent    string           `json:"user_agent,omitempty"`
		ChannelToken string           `json:"channel,omitempty"`
		OriginWID    api.WorkflowID   `json:"origin_wid,omitempty"`
		Arbitrary    map[api.Name]any `json:"arbitrary,omitempty"`
	}
)

const (
	lockStripes = 64
	lockTTL     = 30 * time.Second
)

// NewEngine assembles the runtime façade
func NewEngine(opts *Options) *Engine {
	return &Engine{
		defs:        opts.Definitions,
		sessions:    opts.Sessions,
		locker:      opts.Locker,
		stepper:     opts.Stepper,
		events:      opts.Events,
		logger:      opts.Logger,
		duration:    opts.SessionDuration,
		incremental: opts.Incremental,
	}
}

// Create starts a new session for a workflow and runs its first step. A
// missing or inactive workflow fails softly: the caller receives an
// error-state session, never a panic or a recreated run
func (e *Engine) Create(
	ctx context.Context, req *CreateRequest,
) (*StepResult, error) {
	id := api.NewSessionID()
	now := time.Now()
	state := &api.SessionState{
		ID:         id,
		WorkflowID: req.WorkflowID,
		Lifecycle:  api.LifecycleStarting,
		Channel:    ClassifyChannel(req.ChannelToken, req.UserAgent),
		Lang:       req.Lang,
		UserID:     req.UserID,
		CallerIP:   req.CallerIP,
		UserAgent:  req.UserAgent,
		OriginWID:  req.OriginWID,
		StartedAt:  now,
		ExpiresAt:  now.Add(e.duration),
	}

	start, active, err := e.defs.GetFirstBlock(ctx, req.WorkflowID)
	if err != nil || !active {
		e.logger.Warn("Workflow unavailable at session creation",
			log.SessionID(id),
			log.WorkflowID(req.WorkflowID),
			log.Error(err))
		state.Lifecycle = api.LifecycleError
		state.ErrorKind = api.ErrorInternal
		if err := e.sessions.StartSession(ctx, state); err != nil {
			return nil, err
		}
		e.publish(api.SessionErrored, state)
		return &StepResult{
			SessionID: id,
			Lifecycle: state.Lifecycle,
			ErrorKind: state.ErrorKind,
		}, nil
	}
	state.BlockID = start

	if err := e.sessions.StartSession(ctx, state); err != nil {
		return nil, err
	}
	e.publish(api.SessionStarted, state)

	s := NewSession(state, nil)
	s.RecordUsage(start, "", true)
	s.Log(fmt.Sprintf("session created on %s", state.Channel))

	title := string(req.WorkflowID)
	if wf, err := e.defs.GetWorkflow(ctx, req.WorkflowID); err == nil {
		title = wf.DisplayName
	}
	s.RecordHistory(start, fmt.Sprintf("--- %s ---", title))

	res, stepErr := e.stepper.Step(ctx, s, &StepInput{
		Arbitrary: req.Arbitrary,
	})
	if err := e.flush(ctx, s); err != nil {
		return nil, err
	}
	return res, stepErr
}

// Step resumes a session and runs one processing unit to completion. An
// expired or missing session is reported, never recreated
func (e *Engine) Step(
	ctx context.Context, id api.SessionID, input *StepInput,
) (*StepResult, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.resume(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Touch(e.duration)

	res, stepErr := e.stepper.Step(ctx, s, input)
	if err := e.flush(ctx, s); err != nil {
		return nil, err
	}
	return res, stepErr
}

// Peek returns a session's current state without advancing it
func (e *Engine) Peek(
	ctx context.Context, id api.SessionID,
) (*api.SessionState, error) {
	state, err := e.sessions.GetActiveSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrSessionExpired, id)
	}
	return state, nil
}

// History returns a session's rendered history
func (e *Engine) History(
	ctx context.Context, id api.SessionID,
) ([]*api.HistoryEntry, error) {
	ok, err := e.sessions.SessionExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrSessionExpired, id)
	}
	return e.sessions.LoadHistory(ctx, id)
}

// Expire force-ends a session past its expiry stamp, reporting whether it
// actually ended one. Used by the sweeper
func (e *Engine) Expire(
	ctx context.Context, id api.SessionID,
) (bool, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	state, err := e.sessions.GetActiveSession(ctx, id)
	if err != nil {
		return false, err
	}
	if state == nil || !state.IsActive() ||
		!state.IsExpired(time.Now()) {
		return false, nil
	}
	s := NewSession(state, nil)
	s.End()
	s.Log("session expired")
	if err := e.flush(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) resume(
	ctx context.Context, id api.SessionID,
) (*Session, error) {
	state, err := e.sessions.GetActiveSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if state == nil || !state.IsActive() ||
		state.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: %s", api.ErrSessionExpired, id)
	}
	vars, err := e.sessions.LoadVariables(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewSession(state, vars), nil
}

// flush performs the session's single durable write and publishes the
// transition event
func (e *Engine) flush(ctx context.Context, s *Session) error {
	if err := e.sessions.CloseSession(
		ctx, s.CloseRequest(e.incremental),
	); err != nil {
		e.logger.Error("Failed to flush session",
			log.SessionID(s.ID()),
			log.Error(err))
		return err
	}
	state := s.State()
	switch state.Lifecycle {
	case api.LifecycleEnded:
		e.publish(api.SessionEnded, state)
	case api.LifecycleError:
		e.publish(api.SessionErrored, state)
	default:
		e.publish(api.SessionSuspended, state)
	}
	return nil
}

func (e *Engine) publish(typ api.EventType, state *api.SessionState) {
	if e.events == nil {
		return
	}
	e.events.Publish(&api.SessionEvent{
		Type:       typ,
		SessionID:  state.ID,
		WorkflowID: state.WorkflowID,
		BlockID:    state.BlockID,
		Lifecycle:  state.Lifecycle,
		ErrorKind:  state.ErrorKind,
	})
}

// lock takes the striped in-process mutex and, when a store locker is
// configured, the cross-instance lock for a session id
func (e *Engine) lock(
	ctx context.Context, id api.SessionID,
) (func(), error) {
	mu := &e.locks[stripeFor(id)]
	mu.Lock()
	if e.locker == nil {
		return mu.Unlock, nil
	}
	ok, err := e.locker.Acquire(ctx, id, lockTTL)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if !ok {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s", api.ErrSessionBusy, id)
	}
	return func() {
		if err := e.locker.Release(
			context.WithoutCancel(ctx), id,
		); err != nil {
			e.logger.Warn("Failed to release session lock",
				log.SessionID(id),
				log.Error(err))
		}
		mu.Unlock()
	}, nil
}

func stripeFor(id api.SessionID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}
