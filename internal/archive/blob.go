// Package archive moves finished sessions out of the hot session store
// into durable object storage
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/pkg/api"
	"github.com/waypost/engine/pkg/log"
)

type (
	// Record is the durable shape of one archived session
	Record struct {
		State      *api.SessionState          `json:"state"`
		Variables  map[api.Name]*api.Variable `json:"variables,omitempty"`
		History    []*api.HistoryEntry        `json:"history,omitempty"`
		ArchivedAt time.Time                  `json:"archived_at"`
	}

	// BlobArchiver writes session records through gocloud.dev/blob, so S3,
	// GCS, Azure, and S3-compatible stores all work from one bucket URL
	BlobArchiver struct {
		bucket   *blob.Bucket
		sessions store.SessionStore
		logger   *slog.Logger
		prefix   string
	}
)

var ErrArchiveNotFound = errors.New("archived session not found")

// NewBlobArchiver opens the bucket at bucketURL and wires the archiver to
// the session store it drains from
func NewBlobArchiver(
	ctx context.Context, bucketURL, prefix string,
	sessions store.SessionStore, logger *slog.Logger,
) (*BlobArchiver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &BlobArchiver{
		bucket:   bucket,
		sessions: sessions,
		logger:   logger,
		prefix:   prefix,
	}, nil
}

// HandleEvents is the event queue handler: every ended or errored session
// is archived. Other transitions pass through untouched
func (a *BlobArchiver) HandleEvents(batch []*api.SessionEvent) error {
	ctx := context.Background()
	for _, ev := range batch {
		switch ev.Type {
		case api.SessionEnded, api.SessionErrored:
			if err := a.Archive(ctx, ev.SessionID); err != nil {
				a.logger.Error("Failed to archive session",
					log.SessionID(ev.SessionID),
					log.Error(err))
				return err
			}
		}
	}
	return nil
}

// Archive snapshots one session from the hot store into the bucket
func (a *BlobArchiver) Archive(
	ctx context.Context, id api.SessionID,
) error {
	state, err := a.sessions.GetActiveSession(ctx, id)
	if err != nil {
		return err
	}
	if state == nil {
		// already evicted; nothing left to preserve
		return nil
	}
	vars, err := a.sessions.LoadVariables(ctx, id)
	if err != nil {
		return err
	}
	history, err := a.sessions.LoadHistory(ctx, id)
	if err != nil {
		return err
	}

	data, err := json.Marshal(&Record{
		State:      state,
		Variables:  vars,
		History:    history,
		ArchivedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return a.bucket.WriteAll(ctx, a.keyFor(id), data, nil)
}

// Get loads one archived session record
func (a *BlobArchiver) Get(
	ctx context.Context, id api.SessionID,
) (*Record, error) {
	data, err := a.bucket.ReadAll(ctx, a.keyFor(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrArchiveNotFound
		}
		return nil, err
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes an archived record. Deleting a missing record is not an
// error
func (a *BlobArchiver) Delete(
	ctx context.Context, id api.SessionID,
) error {
	err := a.bucket.Delete(ctx, a.keyFor(id))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// Close releases the bucket handle
func (a *BlobArchiver) Close() error {
	return a.bucket.Close()
}

func (a *BlobArchiver) keyFor(id api.SessionID) string {
	return a.prefix + string(id) + ".json"
}
