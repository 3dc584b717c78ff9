package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisStore keeps records in Redis so that replays work across instances.
// Expiry is delegated to Redis key TTLs.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve implements Store using SET NX so that exactly one request owns a fresh key.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	pending := Record{Key: key, Fingerprint: fingerprint, Status: StatusPending, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	payload, err := json.Marshal(pending)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, s.redisKey(key), payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if ok {
			return Reservation{State: ReservationStateNew, Record: pending}, nil
		}

		record, found, err := s.load(ctx, key)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			// expired between SETNX and GET
			continue
		}
		if record.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if record.Status == StatusCompleted {
			return Reservation{State: ReservationStateCompleted, Record: record}, nil
		}
		return Reservation{State: ReservationStatePending, Record: record}, nil
	}
	return Reservation{}, errors.New("idempotency: reservation raced with expiry")
}

// SaveResponse implements Store.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	existing, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if found && existing.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}

	payload, err := json.Marshal(completedRecord(key, fingerprint, resp, existing.CreatedAt, now, ttl))
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key, _ string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: load: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}

func (s *RedisStore) redisKey(key string) string {
	return redisKeyPrefix + storageKey(key)
}
