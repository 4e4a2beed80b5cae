package sweep_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/waypost/engine/internal/runtime"
	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/internal/sweep"
	"github.com/waypost/engine/pkg/api"
)

func testSweeper(t *testing.T) (*sweep.Sweeper, *store.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := store.NewRedisStore(rc, "waypost", false)
	engine := runtime.NewEngine(&runtime.Options{
		Sessions:        sessions,
		Locker:          sessions,
		Logger:          logger,
		SessionDuration: time.Hour,
	})
	return sweep.NewSweeper(
		engine, sessions, "@every 1h", logger,
	), sessions
}

func seedSession(
	t *testing.T, sessions *store.RedisStore, id api.SessionID,
	expires time.Time,
) {
	t.Helper()
	if err := sessions.StartSession(context.Background(), &api.SessionState{
		ID:         id,
		WorkflowID: "survey",
		BlockID:    "ask",
		Lifecycle:  api.LifecycleSuspended,
		StartedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt:  expires,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSweepClosesOverdueOnly(t *testing.T) {
	as := assert.New(t)
	sw, sessions := testSweeper(t)
	ctx := context.Background()

	seedSession(t, sessions, "overdue", time.Now().Add(-time.Minute))
	seedSession(t, sessions, "fresh", time.Now().Add(time.Hour))

	closed, err := sw.Sweep(ctx)
	as.NoError(err)
	as.Equal(1, closed)

	state, err := sessions.GetActiveSession(ctx, "overdue")
	as.NoError(err)
	as.Equal(api.LifecycleEnded, state.Lifecycle)

	state, err = sessions.GetActiveSession(ctx, "fresh")
	as.NoError(err)
	as.Equal(api.LifecycleSuspended, state.Lifecycle)

	active, err := sessions.ActiveSessions(ctx)
	as.NoError(err)
	as.Equal([]api.SessionID{"fresh"}, active)
}

func TestSweepIsIdempotent(t *testing.T) {
	as := assert.New(t)
	sw, sessions := testSweeper(t)
	ctx := context.Background()

	seedSession(t, sessions, "overdue", time.Now().Add(-time.Minute))

	closed, err := sw.Sweep(ctx)
	as.NoError(err)
	as.Equal(1, closed)

	closed, err = sw.Sweep(ctx)
	as.NoError(err)
	as.Zero(closed)
}

func TestSweeperSchedule(t *testing.T) {
	as := assert.New(t)
	sw, _ := testSweeper(t)

	as.NoError(sw.Start())
	sw.Stop()

	bad := sweep.NewSweeper(nil, nil, "not a schedule",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	as.Error(bad.Start())
}
