package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const sessionIndexKey = "sessions:index"

// SessionService stores operator sessions in Redis with a TTL plus a
// membership index. Redis expires the session keys on its own; the
// cleanup job prunes index entries whose key is gone.
type SessionService struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSessionService(rdb *redis.Client, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionService{redis: rdb, ttl: ttl}
}

func sessionKey(token string) string { return "session:" + token }

// Create stores a new session and returns its token
func (s *SessionService) Create(ctx context.Context, operatorID int) (string, error) {
	token := uuid.New().String()

	if err := s.redis.Set(ctx, sessionKey(token), operatorID, s.ttl).Err(); err != nil {
		return "", err
	}
	if err := s.redis.SAdd(ctx, sessionIndexKey, token).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// Validate resolves a token to its operator id
func (s *SessionService) Validate(ctx context.Context, token string) (int, error) {
	id, err := s.redis.Get(ctx, sessionKey(token)).Int()
	if err == redis.Nil {
		return 0, fmt.Errorf("session not found")
	}
	return id, err
}

// Revoke deletes a session immediately
func (s *SessionService) Revoke(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, sessionKey(token)).Err(); err != nil {
		return err
	}
	return s.redis.SRem(ctx, sessionIndexKey, token).Err()
}

// Cleanup removes index entries whose session key has expired
func (s *SessionService) Cleanup(ctx context.Context) (int, error) {
	tokens, err := s.redis.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, token := range tokens {
		exists, err := s.redis.Exists(ctx, sessionKey(token)).Result()
		if err != nil {
			return removed, err
		}
		if exists == 0 {
			if err := s.redis.SRem(ctx, sessionIndexKey, token).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if removed > 0 {
		log.Printf("[SESSION] cleaned up %d expired session(s)", removed)
	}
	return removed, nil
}

// ActiveCount reports live sessions, used by the monitoring job
func (s *SessionService) ActiveCount(ctx context.Context) (int, error) {
	tokens, err := s.redis.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return 0, err
	}

	active := 0
	for _, token := range tokens {
		exists, err := s.redis.Exists(ctx, sessionKey(token)).Result()
		if err != nil {
			return 0, err
		}
		if exists > 0 {
			active++
		}
	}
	return active, nil
}
