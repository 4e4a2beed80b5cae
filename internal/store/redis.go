package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waypost/engine/pkg/api"
)

type (
	// RedisStore is a SessionStore over Redis. Every processing unit
	// buffers its mutations in memory and CloseSession flushes them inside
	// a single transactional pipeline, so concurrent readers never observe
	// a half written session
	RedisStore struct {
		client      redis.UniversalClient
		prefix      string
		incremental bool
	}

	// VariableRecord is the persisted per-variable row in incremental
	// mode. The modified stamp lets readers filter by recency
	VariableRecord struct {
		Value      any              `json:"value"`
		Kind       api.VariableKind `json:"kind"`
		ModifiedAt time.Time        `json:"modified_at"`
	}
)

const (
	// DefaultKeyPrefix namespaces every session key when no prefix is
	// configured
	DefaultKeyPrefix = "waypost"

	// closedGrace keeps ended sessions readable briefly so trailing
	// requests see a terminal state instead of a miss
	closedGrace = time.Hour
)

// NewRedisStore wraps a Redis client. Keys are namespaced under prefix.
// When incremental is set, variables are stored per-name in a hash and
// only dirty entries are rewritten
func NewRedisStore(
	client redis.UniversalClient, prefix string, incremental bool,
) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client:      client,
		prefix:      prefix,
		incremental: incremental,
	}
}

func (s *RedisStore) key(kind string, id api.SessionID) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, id)
}

func (s *RedisStore) activeKey() string {
	return s.prefix + ":active"
}

func (s *RedisStore) SessionExists(
	ctx context.Context, id api.SessionID,
) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("session", id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) GetActiveSession(
	ctx context.Context, id api.SessionID,
) (*api.SessionState, error) {
	data, err := s.client.Get(ctx, s.key("session", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res := &api.SessionState{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("session %s state: %w", id, err)
	}
	return res, nil
}

func (s *RedisStore) LoadVariables(
	ctx context.Context, id api.SessionID,
) (map[api.Name]*api.Variable, error) {
	key := s.key("vars", id)
	res := map[api.Name]*api.Variable{}
	if s.incremental {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		for name, raw := range fields {
			rec := &VariableRecord{}
			if err := json.Unmarshal([]byte(raw), rec); err != nil {
				return nil, fmt.Errorf("variable %s: %w", name, err)
			}
			res[api.Name(name)] = &api.Variable{
				Value: rec.Value,
				Kind:  rec.Kind,
			}
		}
		return res, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("session %s variables: %w", id, err)
	}
	return res, nil
}

func (s *RedisStore) LoadHistory(
	ctx context.Context, id api.SessionID,
) ([]*api.HistoryEntry, error) {
	raw, err := s.client.LRange(
		ctx, s.key("history", id), 0, -1,
	).Result()
	if err != nil {
		return nil, err
	}
	res := make([]*api.HistoryEntry, 0, len(raw))
	for _, entry := range raw {
		h := &api.HistoryEntry{}
		if err := json.Unmarshal([]byte(entry), h); err != nil {
			return nil, fmt.Errorf("session %s history: %w", id, err)
		}
		res = append(res, h)
	}
	return res, nil
}

func (s *RedisStore) StartSession(
	ctx context.Context, state *api.SessionState,
) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ttl := sessionTTL(state, time.Now())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("session", state.ID), data, ttl)
	pipe.SAdd(ctx, s.activeKey(), string(state.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// CloseSession writes one processing unit's buffered mutations as a single
// transactional pipeline and refreshes every key's expiry
func (s *RedisStore) CloseSession(
	ctx context.Context, req *CloseRequest,
) error {
	state := req.State
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := sessionTTL(state, now)
	id := state.ID

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("session", id), data, ttl)

	varsKey := s.key("vars", id)
	if s.incremental {
		if len(req.Dirty) > 0 {
			fields := make(map[string]any, len(req.Dirty))
			for name, v := range req.Dirty {
				raw, err := json.Marshal(&VariableRecord{
					Value:      v.Value,
					Kind:       v.Kind,
					ModifiedAt: now,
				})
				if err != nil {
					return fmt.Errorf("variable %s: %w", name, err)
				}
				fields[string(name)] = raw
			}
			pipe.HSet(ctx, varsKey, fields)
		}
	} else if len(req.Variables) > 0 {
		raw, err := json.Marshal(req.Variables)
		if err != nil {
			return err
		}
		pipe.Set(ctx, varsKey, raw, ttl)
	}
	pipe.Expire(ctx, varsKey, ttl)

	if err := pushEntries(
		ctx, pipe, s.key("history", id), ttl, req.History,
	); err != nil {
		return err
	}
	if err := pushEntries(
		ctx, pipe, s.key("logs", id), ttl, req.Logs,
	); err != nil {
		return err
	}
	if err := pushEntries(
		ctx, pipe, s.key("stats", id), ttl, req.Stats,
	); err != nil {
		return err
	}

	if !state.IsActive() {
		pipe.SRem(ctx, s.activeKey(), string(id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Acquire takes the per-session processing lock with SETNX. The TTL keeps
// a crashed unit from wedging its session forever
func (s *RedisStore) Acquire(
	ctx context.Context, id api.SessionID, ttl time.Duration,
) (bool, error) {
	return s.client.SetNX(ctx, s.key("lock", id), "1", ttl).Result()
}

// Release frees the per-session processing lock
func (s *RedisStore) Release(
	ctx context.Context, id api.SessionID,
) error {
	return s.client.Del(ctx, s.key("lock", id)).Err()
}

func (s *RedisStore) ActiveSessions(
	ctx context.Context,
) ([]api.SessionID, error) {
	members, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, err
	}
	res := make([]api.SessionID, 0, len(members))
	for _, m := range members {
		res = append(res, api.SessionID(m))
	}
	return res, nil
}

func pushEntries[T any](
	ctx context.Context, pipe redis.Pipeliner, key string,
	ttl time.Duration, entries []T,
) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		values = append(values, raw)
	}
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, ttl)
	return nil
}

func sessionTTL(state *api.SessionState, now time.Time) time.Duration {
	if !state.IsActive() {
		return closedGrace
	}
	ttl := state.ExpiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}
