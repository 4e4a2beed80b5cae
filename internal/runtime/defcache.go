package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/internal/util"
	"github.com/waypost/engine/pkg/api"
)

type (
	// Definitions is a read-through cache in front of the definition store.
	// Entries are tagged with their workflow id so an upsert can invalidate
	// everything a workflow contributed in one call
	Definitions struct {
		store store.DefinitionStore
		cache *util.TagCache[any]
	}

	firstBlock struct {
		id     api.BlockID
		active bool
	}
)

// longKeyThreshold bounds cache key length; longer composite keys are
// replaced with their digest
const longKeyThreshold = 64

// NewDefinitions wraps a definition store with a tag-invalidated cache of
// the given capacity
func NewDefinitions(
	s store.DefinitionStore, cacheSize int,
) *Definitions {
	return &Definitions{
		store: s,
		cache: util.NewTagCache[any](cacheSize),
	}
}

// GetWorkflow returns the cached workflow view
func (d *Definitions) GetWorkflow(
	ctx context.Context, wid api.WorkflowID,
) (*api.Workflow, error) {
	return cachedGet(d, wid, cacheKey("wf", string(wid)),
		func() (*api.Workflow, error) {
			return d.store.GetWorkflow(ctx, wid)
		},
	)
}

// GetFirstBlock returns the cached start block and active flag
func (d *Definitions) GetFirstBlock(
	ctx context.Context, wid api.WorkflowID,
) (api.BlockID, bool, error) {
	res, err := cachedGet(d, wid, cacheKey("first", string(wid)),
		func() (firstBlock, error) {
			id, active, err := d.store.GetFirstBlock(ctx, wid)
			return firstBlock{id: id, active: active}, err
		},
	)
	if err != nil {
		return "", false, err
	}
	return res.id, res.active, nil
}

// GetBlockIDFromDescription resolves a block id by description text.
// Description text is author-controlled and unbounded, so the key is
// digested
func (d *Definitions) GetBlockIDFromDescription(
	ctx context.Context, wid api.WorkflowID, description string,
) (api.BlockID, error) {
	return cachedGet(d, wid,
		cacheKey("desc", string(wid), description),
		func() (api.BlockID, error) {
			return d.store.GetBlockIDFromDescription(ctx, wid, description)
		},
	)
}

// BuildBlock returns the cached block assembled for a language
func (d *Definitions) BuildBlock(
	ctx context.Context, wid api.WorkflowID, id api.BlockID, lang string,
) (*api.Block, error) {
	return cachedGet(d, wid,
		cacheKey("block", string(wid), string(id), lang),
		func() (*api.Block, error) {
			return d.store.BuildBlock(ctx, wid, id, lang)
		},
	)
}

// UpsertWorkflow writes through to the store and drops every cached entry
// the workflow contributed
func (d *Definitions) UpsertWorkflow(
	ctx context.Context, def *store.WorkflowDef,
) error {
	if err := d.store.UpsertWorkflow(ctx, def); err != nil {
		return err
	}
	d.cache.Invalidate(string(def.Workflow.ID))
	return nil
}

// Invalidate drops every cached entry for a workflow
func (d *Definitions) Invalidate(wid api.WorkflowID) {
	d.cache.Invalidate(string(wid))
}

// Len returns the number of cached definition entries
func (d *Definitions) Len() int {
	return d.cache.Len()
}

func cachedGet[T any](
	d *Definitions, wid api.WorkflowID, key string,
	load func() (T, error),
) (T, error) {
	res, err := d.cache.Get(key, string(wid), func() (any, error) {
		return load()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func cacheKey(parts ...string) string {
	key := strings.Join(parts, "\x1f")
	if len(key) <= longKeyThreshold {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
