package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anthropics/context-governor/internal/session"
)

// RedisStore is the networked state-store backend, for deployments that run
// more than one governor replica against shared durable state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a RedisStore against client. ttl, if positive, is
// applied to every key so abandoned session state eventually expires
// instead of accumulating forever; zero means no expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(id string) string     { return "governor:session:" + id }
func checkpointsKey(id string) string { return "governor:checkpoints:" + id }

func (s *RedisStore) PutSession(ctx context.Context, rec session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(rec.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET session: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (session.Record, bool, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return session.Record{}, false, nil
		}
		return session.Record{}, false, fmt.Errorf("redis GET session: %w", err)
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return session.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) AppendCheckpoint(ctx context.Context, rec session.Record) error {
	entry, err := json.Marshal(checkpointEntry{Record: rec, At: time.Now()})
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, checkpointsKey(rec.ID), entry)
	data, _ := json.Marshal(rec)
	pipe.Set(ctx, sessionKey(rec.ID), data, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, checkpointsKey(rec.ID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis checkpoint pipeline: %w", err)
	}
	return nil
}

func (s *RedisStore) PutThresholds(ctx context.Context, sessionID string, th session.Thresholds) error {
	rec, found, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.Thresholds = th
	return s.PutSession(ctx, rec)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
