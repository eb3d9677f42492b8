package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

type record struct {
	Fingerprint string         `json:"fingerprint,omitempty"`
	Pending     bool           `json:"pending,omitempty"`
	Status      int            `json:"status,omitempty"`
	Body        map[string]any `json:"body,omitempty"`
}

// RedisStore keeps completed responses for ttl. A reservation is a pending
// record written with SET NX that expires after its lease.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(s Scope) string {
	return "idem:" + s.TenantID + ":" + s.ActorID + ":" + s.Endpoint + ":" + s.Key
}

func (s *RedisStore) ReserveIdempotencyKey(ctx context.Context, sc Scope, fingerprint string, lease time.Duration) (Record, bool, error) {
	pending, err := json.Marshal(record{Fingerprint: fingerprint, Pending: true})
	if err != nil {
		return Record{}, false, err
	}
	key := redisKey(sc)
	// A record can expire between SET NX and GET; one more round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, key, pending, lease).Result()
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			return Record{}, true, nil
		}
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Record{}, false, err
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Record{}, false, fmt.Errorf("decode idempotency record: %w", err)
		}
		return Record{Fingerprint: rec.Fingerprint, Pending: rec.Pending, Status: rec.Status, Body: rec.Body}, false, nil
	}
	return Record{Pending: true}, false, nil
}

func (s *RedisStore) CompleteIdempotencyKey(ctx context.Context, sc Scope, status int, body map[string]any) error {
	key := redisKey(sc)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	var rec record
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode idempotency record: %w", err)
		}
	}
	done, err := json.Marshal(record{Fingerprint: rec.Fingerprint, Status: status, Body: body})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, done, s.ttl).Err()
}

func (s *RedisStore) ReleaseIdempotencyKey(ctx context.Context, sc Scope) error {
	return s.client.Del(ctx, redisKey(sc)).Err()
}
