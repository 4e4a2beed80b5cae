package archive_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	_ "gocloud.dev/blob/memblob"

	"github.com/waypost/engine/internal/archive"
	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/pkg/api"
)

func testArchiver(t *testing.T) (*archive.BlobArchiver, *store.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	sessions := store.NewRedisStore(rc, "waypost", false)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := archive.NewBlobArchiver(
		context.Background(), "mem://", "sessions/", sessions, logger,
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, sessions
}

func endedSession(id api.SessionID) *api.SessionState {
	now := time.Now()
	return &api.SessionState{
		ID:         id,
		WorkflowID: "survey",
		BlockID:    "thanks",
		Lifecycle:  api.LifecycleEnded,
		Channel:    api.ChannelWeb,
		StartedAt:  now.Add(-time.Minute),
		ExpiresAt:  now,
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	as := assert.New(t)
	a, sessions := testArchiver(t)
	ctx := context.Background()

	state := endedSession("s-1")
	as.NoError(sessions.StartSession(ctx, state))
	as.NoError(sessions.CloseSession(ctx, &store.CloseRequest{
		State: state,
		Variables: map[api.Name]*api.Variable{
			"$feedback": api.NewVariable("great"),
		},
		History: []*api.HistoryEntry{
			{BlockID: "ask", Rendered: "How was it?", At: time.Now()},
		},
	}))

	as.NoError(a.Archive(ctx, "s-1"))

	rec, err := a.Get(ctx, "s-1")
	as.NoError(err)
	as.Equal(api.SessionID("s-1"), rec.State.ID)
	as.Equal(api.LifecycleEnded, rec.State.Lifecycle)
	as.Contains(rec.Variables, api.Name("$feedback"))
	as.Len(rec.History, 1)
	as.False(rec.ArchivedAt.IsZero())
}

func TestArchiveMissingSessionIsNoop(t *testing.T) {
	as := assert.New(t)
	a, _ := testArchiver(t)
	ctx := context.Background()

	as.NoError(a.Archive(ctx, "ghost"))
	_, err := a.Get(ctx, "ghost")
	as.ErrorIs(err, archive.ErrArchiveNotFound)
}

func TestHandleEventsArchivesTerminalOnly(t *testing.T) {
	as := assert.New(t)
	a, sessions := testArchiver(t)
	ctx := context.Background()

	ended := endedSession("s-ended")
	as.NoError(sessions.StartSession(ctx, ended))

	running := endedSession("s-running")
	running.Lifecycle = api.LifecycleRunning
	running.ExpiresAt = time.Now().Add(time.Hour)
	as.NoError(sessions.StartSession(ctx, running))

	as.NoError(a.HandleEvents([]*api.SessionEvent{
		{Type: api.SessionSuspended, SessionID: "s-running"},
		{Type: api.SessionEnded, SessionID: "s-ended"},
	}))

	_, err := a.Get(ctx, "s-ended")
	as.NoError(err)
	_, err = a.Get(ctx, "s-running")
	as.ErrorIs(err, archive.ErrArchiveNotFound)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	a, _ := testArchiver(t)
	assert.NoError(t, a.Delete(context.Background(), "ghost"))
}
