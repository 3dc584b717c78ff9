package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys stored inside a session hash.
const (
	KeyCart          = "cart"
	KeyAppliedCoupon = "applied_coupon"
	KeyCurrentOrder  = "current_order"
)

const keyPrefix = "session:"

// ErrInvalidID is returned when a session id is empty.
var ErrInvalidID = errors.New("session: invalid id")

// Store keeps guest sessions as Redis hashes with a sliding TTL.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStore constructs a Store. ttl applies to every write and touch.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// Open returns a handle to the session identified by id. No Redis call is made.
func (s *Store) Open(id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	return &Session{id: id, store: s}, nil
}

// Session is a handle to one guest session.
type Session struct {
	id    string
	store *Store
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) key() string { return keyPrefix + s.id }

// Load decodes the JSON value stored under field into dst. It reports false when the field is absent.
func (s *Session) Load(ctx context.Context, field string, dst any) (bool, error) {
	raw, err := s.store.client.HGet(ctx, s.key(), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: hget %s: %w", field, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("session: decode %s: %w", field, err)
	}
	return true, nil
}

// Save stores value as JSON under field and extends the session TTL.
func (s *Session) Save(ctx context.Context, field string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", field, err)
	}
	_, err = s.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(), field, payload)
		pipe.Expire(ctx, s.key(), s.store.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: save %s: %w", field, err)
	}
	return nil
}

// Delete removes fields from the session. Missing fields are ignored.
func (s *Session) Delete(ctx context.Context, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.store.client.HDel(ctx, s.key(), fields...).Err(); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Touch slides the expiry forward when the session exists.
func (s *Session) Touch(ctx context.Context) error {
	if err := s.store.client.Expire(ctx, s.key(), s.store.ttl).Err(); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}
