package runtime_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/waypost/engine/internal/client"
	"github.com/waypost/engine/internal/runtime"
	"github.com/waypost/engine/internal/runtime/script"
	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/pkg/api"
)

// memDefs is an in-memory DefinitionStore for exercising the stepper
// without SQLite
type memDefs struct {
	store.DefinitionStore
	workflows map[api.WorkflowID]*api.Workflow
	blocks    map[api.WorkflowID]map[api.BlockID]*api.Block
}

func newMemDefs() *memDefs {
	return &memDefs{
		workflows: map[api.WorkflowID]*api.Workflow{},
		blocks:    map[api.WorkflowID]map[api.BlockID]*api.Block{},
	}
}

func (m *memDefs) addWorkflow(wf *api.Workflow, blocks ...*api.Block) {
	m.workflows[wf.ID] = wf
	byID := map[api.BlockID]*api.Block{}
	for _, b := range blocks {
		byID[b.ID] = b
	}
	m.blocks[wf.ID] = byID
}

func (m *memDefs) GetWorkflow(
	_ context.Context, wid api.WorkflowID,
) (*api.Workflow, error) {
	wf, ok := m.workflows[wid]
	if !ok {
		return nil, api.ErrDefinitionNotFound
	}
	return wf, nil
}

func (m *memDefs) GetFirstBlock(
	_ context.Context, wid api.WorkflowID,
) (api.BlockID, bool, error) {
	wf, ok := m.workflows[wid]
	if !ok {
		return "", false, api.ErrDefinitionNotFound
	}
	return wf.StartBlock, wf.Active, nil
}

func (m *memDefs) GetBlockIDFromDescription(
	_ context.Context, wid api.WorkflowID, description string,
) (api.BlockID, error) {
	for id, b := range m.blocks[wid] {
		if b.Description == description {
			return id, nil
		}
	}
	return "", api.ErrDefinitionNotFound
}

func (m *memDefs) BuildBlock(
	_ context.Context, wid api.WorkflowID, id api.BlockID, _ string,
) (*api.Block, error) {
	b, ok := m.blocks[wid][id]
	if !ok {
		return nil, api.ErrDefinitionNotFound
	}
	return b, nil
}

func (m *memDefs) UpsertWorkflow(
	_ context.Context, def *store.WorkflowDef,
) error {
	m.workflows[def.Workflow.ID] = def.Workflow
	return nil
}

type (
	// fakeMailer, fakeNotifier, and fakeCaller record dispatcher traffic
	fakeMailer struct {
		mu   sync.Mutex
		sent []*client.Mail
		err  error
	}

	fakeNotifier struct {
		mu    sync.Mutex
		notes []*client.Notification
		err   error
	}

	fakeCaller struct {
		mu     sync.Mutex
		calls  []*client.CallRequest
		result api.Args
		err    error
	}
)

func (f *fakeMailer) Send(_ context.Context, m *client.Mail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeNotifier) Notify(
	_ context.Context, n *client.Notification,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeCaller) Call(
	_ context.Context, req *client.CallRequest,
) (api.Args, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, req)
	return f.result, nil
}

type harness struct {
	defs      *memDefs
	mailer    *fakeMailer
	notifier  *fakeNotifier
	caller    *fakeCaller
	renderer  *runtime.Renderer
	stepper   *runtime.Stepper
	cacheDefs *runtime.Definitions
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()
	h := &harness{
		defs:     newMemDefs(),
		mailer:   &fakeMailer{},
		notifier: &fakeNotifier{},
		caller:   &fakeCaller{},
		renderer: runtime.NewRenderer(128),
	}
	h.cacheDefs = runtime.NewDefinitions(h.defs, 128)
	dispatcher := runtime.NewDispatcher(
		h.mailer, h.notifier, h.caller, logger,
	)
	h.stepper = runtime.NewStepper(
		h.cacheDefs, script.NewRegistry(logger), dispatcher, h.renderer,
		logger, 256, time.Second,
	)
	return h
}

func newRunningSession(
	wid api.WorkflowID, block api.BlockID,
) *runtime.Session {
	now := time.Now()
	return runtime.NewSession(&api.SessionState{
		ID:         api.NewSessionID(),
		WorkflowID: wid,
		BlockID:    block,
		Lifecycle:  api.LifecycleStarting,
		Channel:    api.ChannelWeb,
		StartedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}, nil)
}
