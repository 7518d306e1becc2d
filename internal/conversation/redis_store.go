package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoSession is returned when the user has no active conversation.
var ErrNoSession = errors.New("no active conversation")

// SessionStore persists one active session per user.
type SessionStore interface {
	Load(ctx context.Context, userID uuid.UUID) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, userID uuid.UUID) error
}

// RedisStore keeps sessions as JSON values that expire after ttl of inactivity.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a session store under <prefix>:session:<user id>.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	keyPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if keyPrefix == "" {
		keyPrefix = "chama"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStore{client: client, prefix: keyPrefix + ":session", ttl: ttl}
}

func (s *RedisStore) key(userID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", s.prefix, userID)
}

func (s *RedisStore) Load(ctx context.Context, userID uuid.UUID) (*Session, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// Save writes the session and restarts its expiry.
func (s *RedisStore) Save(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(session.UserID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID uuid.UUID) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
