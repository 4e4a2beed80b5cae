package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/waypost/engine/internal/runtime"
	"github.com/waypost/engine/internal/runtime/script"
	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/pkg/api"
)

type engineHarness struct {
	engine   *runtime.Engine
	defs     *memDefs
	sessions *store.RedisStore
	redis    *miniredis.Miniredis
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	logger := testLogger()
	defs := newMemDefs()
	cached := runtime.NewDefinitions(defs, 128)
	sessions := store.NewRedisStore(rc, "waypost", false)
	dispatcher := runtime.NewDispatcher(
		&fakeMailer{}, &fakeNotifier{}, &fakeCaller{}, logger,
	)
	stepper := runtime.NewStepper(
		cached, script.NewRegistry(logger), dispatcher,
		runtime.NewRenderer(128), logger, 256, time.Second,
	)
	engine := runtime.NewEngine(&runtime.Options{
		Definitions:     cached,
		Sessions:        sessions,
		Locker:          sessions,
		Stepper:         stepper,
		Logger:          logger,
		SessionDuration: time.Hour,
	})
	return &engineHarness{
		engine:   engine,
		defs:     defs,
		sessions: sessions,
		redis:    mr,
	}
}

func surveyWorkflow(defs *memDefs) {
	defs.addWorkflow(
		&api.Workflow{ID: "survey", Active: true, StartBlock: "ask"},
		&api.Block{
			ID: "ask",
			Elements: []*api.Element{
				{Kind: api.ElementLabel, Text: "How was it?"},
				{Kind: api.ElementInput, Name: "$feedback"},
			},
			Exits: []*api.Exit{{Index: 0, Target: "thanks"}},
		},
		&api.Block{
			ID: "thanks",
			Elements: []*api.Element{
				{Kind: api.ElementLabel, Text: "Thanks, $feedback noted"},
			},
		},
	)
}

func TestEngineCreateRendersFirstScreen(t *testing.T) {
	as := assert.New(t)
	h := newEngineHarness(t)
	surveyWorkflow(h.defs)

	res, err := h.engine.Create(context.Background(), &runtime.CreateRequest{
		WorkflowID: "survey",
		UserAgent:  "Mozilla/5.0 (iPhone)",
	})
	as.NoError(err)
	as.Equal(api.LifecycleSuspended, res.Lifecycle)
	as.Equal("How was it?", res.Prompt)
	as.NotEmpty(res.SessionID)

	state, err := h.engine.Peek(context.Background(), res.SessionID)
	as.NoError(err)
	as.Equal(api.ChannelMobile, state.Channel)
	as.Equal(api.LifecycleSuspended, state.Lifecycle)
}

func TestEngineStepAcrossRequests(t *testing.T) {
	as := assert.New(t)
	h := newEngineHarness(t)
	surveyWorkflow(h.defs)
	ctx := context.Background()

	created, err := h.engine.Create(ctx, &runtime.CreateRequest{
		WorkflowID: "survey",
	})
	as.NoError(err)

	res, err := h.engine.Step(ctx, created.SessionID, &runtime.StepInput{
		Values: map[api.Name]string{"$feedback": "great"},
	})
	as.NoError(err)
	as.Equal(api.LifecycleEnded, res.Lifecycle)
	as.Equal("Thanks, great noted", res.Prompt)

	history, err := h.engine.History(ctx, created.SessionID)
	as.NoError(err)
	as.NotEmpty(history)
}

func TestEngineMissingWorkflowFailsSoftly(t *testing.T) {
	as := assert.New(t)
	h := newEngineHarness(t)

	res, err := h.engine.Create(context.Background(), &runtime.CreateRequest{
		WorkflowID: "ghost",
	})
	as.NoError(err)
	as.Equal(api.LifecycleError, res.Lifecycle)
	as.Equal(api.ErrorInternal, res.ErrorKind)

	// the error session is durable and reportable
	state, err := h.engine.Peek(context.Background(), res.SessionID)
	as.NoError(err)
	as.Equal(api.LifecycleError, state.Lifecycle)
}

func TestEngineInactiveWorkflowFailsSoftly(t *testing.T) {
	as := assert.New(t)
	h := newEngineHarness(t)
	h.defs.addWorkflow(
		&api.Workflow{ID: "paused", Active: false, StartBlock: "b"},
	)

	res, err := h.engine.Create(context.Background(), &runtime.CreateRequest{
		WorkflowID: "paused",
	})
	as.NoError(err)
	as.Equal(api.LifecycleError, res.Lifecycle)
}

func TestEngineExpiredSessionNeverRecreated(t *testing.T) {
	as := assert.New(t)
	h := newEngineHarness(t)
	surveyWorkflow(h.defs)
	ctx := context.Background()

	created, err := h.engine.Create(ctx, &runtime.CreateRequest{
		WorkflowID: "survey",
	})
	as.NoError(err)

	h.redis.FastForward(2 * time.Hour)

	_, err = h.engine.Step(ctx, created.SessionID, nil)
	as.ErrorIs(err, api.ErrSessionExpired)

	_, err = h.engine.Step(ctx, "never-existed", nil)
	as.ErrorIs(err, api.ErrSessionExpired)
}

func TestEngineBusySession(t *testing.T) {
	as := assert.New(t)
	h := newEngineHarness(t)
	surveyWorkflow(h.defs)
	ctx := context.Background()

	created, err := h.engine.Create(ctx, &runtime.CreateRequest{
		WorkflowID: "survey",
	})
	as.NoError(err)

	// another instance holds the processing lock
	ok, err := h.sessions.Acquire(ctx, created.SessionID, time.Minute)
	as.NoError(err)
	as.True(ok)

	_, err = h.engine.Step(ctx, created.SessionID, nil)
	as.ErrorIs(err, api.ErrSessionBusy)

	as.NoError(h.sessions.Release(ctx, created.SessionID))
	_, err = h.engine.Step(ctx, created.SessionID, &runtime.StepInput{
		Values: map[api.Name]string{"$feedback": "fine"},
	})
	as.NoError(err)
}

func TestEngineExpireSweepsOverdueSession(t *testing.T) {
	as := assert.New(t)
	h := newEngineHarness(t)
	surveyWorkflow(h.defs)
	ctx := context.Background()

	created, err := h.engine.Create(ctx, &runtime.CreateRequest{
		WorkflowID: "survey",
	})
	as.NoError(err)

	// force the expiry stamp into the past without evicting the key
	state, err := h.engine.Peek(ctx, created.SessionID)
	as.NoError(err)
	state.ExpiresAt = time.Now().Add(-time.Minute)
	as.NoError(h.sessions.CloseSession(ctx, &store.CloseRequest{
		State: state,
		Now:   time.Now(),
	}))

	ended, err := h.engine.Expire(ctx, created.SessionID)
	as.NoError(err)
	as.True(ended)

	after, err := h.engine.Peek(ctx, created.SessionID)
	as.NoError(err)
	as.Equal(api.LifecycleEnded, after.Lifecycle)
}

func TestEngineCreateRecordsStartMarker(t *testing.T) {
	as := assert.New(t)
	h := newEngineHarness(t)
	h.defs.addWorkflow(
		&api.Workflow{
			ID:          "pass-through",
			DisplayName: "Pass Through",
			Active:      true,
			StartBlock:  "hop",
		},
		&api.Block{
			ID:    "hop",
			Exits: []*api.Exit{{Index: 0, Target: "stop"}},
		},
		&api.Block{
			ID: "stop",
			Elements: []*api.Element{
				{Kind: api.ElementLabel, Text: "All done"},
			},
		},
	)
	ctx := context.Background()

	res, err := h.engine.Create(ctx, &runtime.CreateRequest{
		WorkflowID: "pass-through",
	})
	as.NoError(err)

	// the empty start block advances straight to its exit target
	as.Equal(api.BlockID("stop"), res.BlockID)
	as.Equal(api.LifecycleEnded, res.Lifecycle)

	history, err := h.sessions.LoadHistory(ctx, res.SessionID)
	as.NoError(err)
	as.NotEmpty(history)
	as.Contains(history[0].Rendered, "Pass Through")
}
