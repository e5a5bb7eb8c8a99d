// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	pendingKey   = "batchmgr:jobqueue:pending"
	scheduledKey = "batchmgr:jobqueue:scheduled"
	dedupTTL     = 24 * time.Hour

	dequeueTimeout = 2 * time.Second
)

func dedupKeyName(k string) string   { return "batchmgr:jobqueue:dedup:" + k }
func cancelKeyName(tag string) string { return "batchmgr:jobqueue:cancelled:" + tag }
func inflightKey(workerID string) string  { return "batchmgr:jobqueue:inflight:" + workerID }
func heartbeatKey(workerID string) string { return "batchmgr:jobqueue:inflight:" + workerID + ":hb"}

// RedisQueue is the production Queue, built the way the teacher's
// internal/worker builds its reliable queue: BRPOPLPUSH from a pending
// list into a per-worker processing list with a heartbeat key, reaped by
// internal/recovery when the heartbeat disappears.
type RedisQueue struct {
	rdb *redis.Client
	log *zap.Logger

	heartbeatTTL time.Duration
}

func NewRedis(rdb *redis.Client, log *zap.Logger) *RedisQueue {
	return &RedisQueue{rdb: rdb, log: log, heartbeatTTL: 30 * time.Second}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Trigger, dedupKey string) (bool, error) {
	return q.enqueueAt(ctx, t, time.Time{}, dedupKey)
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, t Trigger, delay time.Duration, dedupKey string) (bool, error) {
	return q.enqueueAt(ctx, t, time.Now().UTC().Add(delay), dedupKey)
}

func (q *RedisQueue) enqueueAt(ctx context.Context, t Trigger, at time.Time, dedupKey string) (bool, error) {
	if dedupKey != "" {
		ok, err := q.rdb.SetNX(ctx, dedupKeyName(dedupKey), "1", dedupTTL).Result()
		if err != nil {
			return false, fmt.Errorf("jobqueue: dedup check: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	payload, err := t.Marshal()
	if err != nil {
		return false, fmt.Errorf("jobqueue: marshal trigger: %w", err)
	}

	if at.IsZero() || !at.After(time.Now().UTC()) {
		if err := q.rdb.LPush(ctx, pendingKey, payload).Err(); err != nil {
			return false, fmt.Errorf("jobqueue: lpush: %w", err)
		}
		return true, nil
	}

	member := fmt.Sprintf("%s|%s", uuid.NewString(), payload)
	if err := q.rdb.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err(); err != nil {
		return false, fmt.Errorf("jobqueue: zadd scheduled: %w", err)
	}
	return true, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*Handle, error) {
	payload, err := q.rdb.BRPopLPush(ctx, pendingKey, inflightKey(workerID), dequeueTimeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: brpoplpush: %w", err)
	}
	if err := q.rdb.Set(ctx, heartbeatKey(workerID), payload, q.heartbeatTTL).Err(); err != nil {
		q.log.Warn("jobqueue: heartbeat set failed", zap.Error(err))
	}

	t, err := UnmarshalTrigger(payload)
	if err != nil {
		// Poison payload: drop it so it doesn't loop forever.
		q.log.Error("jobqueue: dropping unparseable trigger", zap.Error(err))
		_ = q.rdb.LRem(ctx, inflightKey(workerID), 1, payload).Err()
		_ = q.rdb.Del(ctx, heartbeatKey(workerID)).Err()
		return nil, nil
	}

	cancelled, err := q.rdb.Exists(ctx, cancelKeyName(t.tag())).Result()
	if err == nil && cancelled == 1 {
		_ = q.rdb.LRem(ctx, inflightKey(workerID), 1, payload).Err()
		_ = q.rdb.Del(ctx, heartbeatKey(workerID)).Err()
		return nil, nil
	}

	return &Handle{Trigger: t, payload: payload}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, workerID string, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := q.rdb.LRem(ctx, inflightKey(workerID), 1, h.payload).Err(); err != nil {
		return fmt.Errorf("jobqueue: ack lrem: %w", err)
	}
	return q.rdb.Del(ctx, heartbeatKey(workerID)).Err()
}

func (q *RedisQueue) Retry(ctx context.Context, workerID string, h *Handle, delay time.Duration) (bool, error) {
	if h == nil {
		return false, nil
	}
	if err := q.Ack(ctx, workerID, h); err != nil {
		return false, err
	}
	t := h.Trigger
	t.Attempt++
	if t.Attempt >= t.MaxAttempts {
		return false, nil
	}
	_, err := q.EnqueueDelayed(ctx, t, delay, "")
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) CancelTag(ctx context.Context, tag string) error {
	return q.rdb.Set(ctx, cancelKeyName(tag), "1", 7*24*time.Hour).Err()
}

func (q *RedisQueue) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	var cursor uint64
	recovered := 0
	for {
		keys, cur, err := q.rdb.Scan(ctx, cursor, "batchmgr:jobqueue:inflight:*", 100).Result()
		if err != nil {
			return recovered, fmt.Errorf("jobqueue: scan inflight: %w", err)
		}
		cursor = cur
		for _, key := range keys {
			if len(key) > 3 && key[len(key)-3:] == ":hb" {
				continue
			}
			workerID := key[len("batchmgr:jobqueue:inflight:"):]
			exists, err := q.rdb.Exists(ctx, heartbeatKey(workerID)).Result()
			if err != nil || exists == 1 {
				continue
			}
			for {
				payload, err := q.rdb.RPop(ctx, key).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					q.log.Warn("jobqueue: reclaim rpop error", zap.Error(err))
					break
				}
				if err := q.rdb.LPush(ctx, pendingKey, payload).Err(); err != nil {
					q.log.Error("jobqueue: reclaim requeue failed", zap.Error(err))
					continue
				}
				recovered++
			}
		}
		if cursor == 0 {
			break
		}
	}
	return recovered, nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := float64(time.Now().UTC().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("jobqueue: zrangebyscore: %w", err)
	}
	promoted := 0
	for _, member := range members {
		idx := -1
		for i := 0; i < len(member); i++ {
			if member[i] == '|' {
				idx = i
				break
			}
		}
		if idx < 0 {
			_ = q.rdb.ZRem(ctx, scheduledKey, member).Err()
			continue
		}
		payload := member[idx+1:]
		pipe := q.rdb.TxPipeline()
		pipe.LPush(ctx, pendingKey, payload)
		pipe.ZRem(ctx, scheduledKey, member)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Warn("jobqueue: promote due failed", zap.Error(err))
			continue
		}
		promoted++
	}
	return promoted, nil
}

var _ Queue = (*RedisQueue)(nil)
