package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	ap2 "github.com/agentpay/ap2-go"
)

// Redis key layout. Values are JSON documents; the index lists hold ids in
// insertion order (RPUSH).
const (
	eventKeyFmt          = "ap2:event:%s"
	batchKeyFmt          = "ap2:batch:%s"
	userEventsKeyFmt     = "ap2:events:user:%s"
	mandateEventsKeyFmt  = "ap2:events:mandate:%s"
	userBatchesKeyFmt    = "ap2:batches:user:%s"
	mandateBatchesKeyFmt = "ap2:batches:mandate:%s"
)

// RedisStore is the Redis-backed Store for deployments that need the ledger
// to survive a process restart.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) PutEvent(ctx context.Context, ev *ap2.UsageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := fmt.Sprintf(eventKeyFmt, ev.EventID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check event: %w", err)
	}

	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("store event: %w", err)
	}

	if exists == 0 {
		user := strings.ToLower(ev.UserAddress)
		if err := s.rdb.RPush(ctx, fmt.Sprintf(userEventsKeyFmt, user), ev.EventID).Err(); err != nil {
			return fmt.Errorf("index event by user: %w", err)
		}
		if err := s.rdb.RPush(ctx, fmt.Sprintf(mandateEventsKeyFmt, ev.MandateID), ev.EventID).Err(); err != nil {
			return fmt.Errorf("index event by mandate: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Event(ctx context.Context, eventID string) (*ap2.UsageEvent, error) {
	data, err := s.rdb.Get(ctx, fmt.Sprintf(eventKeyFmt, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ap2.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	var ev ap2.UsageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", eventID, err)
	}
	return &ev, nil
}

func (s *RedisStore) EventsByUser(ctx context.Context, userAddress string) ([]*ap2.UsageEvent, error) {
	key := fmt.Sprintf(userEventsKeyFmt, strings.ToLower(userAddress))
	return s.loadEvents(ctx, key)
}

func (s *RedisStore) EventsByMandate(ctx context.Context, mandateID string) ([]*ap2.UsageEvent, error) {
	return s.loadEvents(ctx, fmt.Sprintf(mandateEventsKeyFmt, mandateID))
}

func (s *RedisStore) PutBatch(ctx context.Context, b *ap2.BatchInvoice) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	key := fmt.Sprintf(batchKeyFmt, b.BatchID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check batch: %w", err)
	}

	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("store batch: %w", err)
	}

	if exists == 0 {
		user := strings.ToLower(b.UserAddress)
		if err := s.rdb.RPush(ctx, fmt.Sprintf(userBatchesKeyFmt, user), b.BatchID).Err(); err != nil {
			return fmt.Errorf("index batch by user: %w", err)
		}
		if err := s.rdb.RPush(ctx, fmt.Sprintf(mandateBatchesKeyFmt, b.MandateID), b.BatchID).Err(); err != nil {
			return fmt.Errorf("index batch by mandate: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Batch(ctx context.Context, batchID string) (*ap2.BatchInvoice, error) {
	data, err := s.rdb.Get(ctx, fmt.Sprintf(batchKeyFmt, batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ap2.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}

	var b ap2.BatchInvoice
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s: %w", batchID, err)
	}
	return &b, nil
}

func (s *RedisStore) BatchesByUser(ctx context.Context, userAddress string) ([]*ap2.BatchInvoice, error) {
	key := fmt.Sprintf(userBatchesKeyFmt, strings.ToLower(userAddress))
	return s.loadBatches(ctx, key)
}

func (s *RedisStore) BatchesByMandate(ctx context.Context, mandateID string) ([]*ap2.BatchInvoice, error) {
	return s.loadBatches(ctx, fmt.Sprintf(mandateBatchesKeyFmt, mandateID))
}

func (s *RedisStore) loadEvents(ctx context.Context, indexKey string) ([]*ap2.UsageEvent, error) {
	ids, err := s.rdb.LRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load event index: %w", err)
	}

	out := make([]*ap2.UsageEvent, 0, len(ids))
	for _, id := range ids {
		ev, err := s.Event(ctx, id)
		if errors.Is(err, ap2.ErrEventNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) loadBatches(ctx context.Context, indexKey string) ([]*ap2.BatchInvoice, error) {
	ids, err := s.rdb.LRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load batch index: %w", err)
	}

	out := make([]*ap2.BatchInvoice, 0, len(ids))
	for _, id := range ids {
		b, err := s.Batch(ctx, id)
		if errors.Is(err, ap2.ErrBatchNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
