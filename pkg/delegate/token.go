package delegate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTokenTTL bounds how long a delegate credential stays valid. Units
// that outlive it must be re-provisioned.
const DefaultTokenTTL = 24 * time.Hour

// ErrTokenInvalid is returned for unknown, expired and cross-execution
// tokens alike, so a caller cannot probe which executions exist.
var ErrTokenInvalid = errors.New("token invalid")

// TokenStore issues and validates execution-scoped bearer credentials.
type TokenStore interface {
	// Issue mints a token bound to the execution id.
	Issue(ctx context.Context, executionID string, ttl time.Duration) (string, error)

	// Validate checks the token against the execution id. Any mismatch,
	// including a token issued for a different execution, yields
	// ErrTokenInvalid.
	Validate(ctx context.Context, executionID, token string) error

	// Revoke invalidates all tokens for the execution.
	Revoke(ctx context.Context, executionID string) error
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return hex.EncodeToString(raw), nil
}

type memoryToken struct {
	token     string
	expiresAt time.Time
}

// MemoryTokenStore keeps tokens in process memory. Suitable for single-node
// deployments and tests.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]memoryToken // execution id -> token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]memoryToken)}
}

func (s *MemoryTokenStore) Issue(_ context.Context, executionID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.tokens[executionID] = memoryToken{token: token, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()

	return token, nil
}

func (s *MemoryTokenStore) Validate(_ context.Context, executionID, token string) error {
	s.mu.RLock()
	entry, ok := s.tokens[executionID]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return ErrTokenInvalid
	}

	if subtle.ConstantTimeCompare([]byte(entry.token), []byte(token)) != 1 {
		return ErrTokenInvalid
	}

	return nil
}

func (s *MemoryTokenStore) Revoke(_ context.Context, executionID string) error {
	s.mu.Lock()
	delete(s.tokens, executionID)
	s.mu.Unlock()

	return nil
}

// RedisTokenStore stores tokens in Redis with a TTL, letting every engine
// instance in a cluster validate any delegate's credential.
type RedisTokenStore struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client, prefix: "loomline:token:"}
}

func (s *RedisTokenStore) key(executionID string) string {
	return s.prefix + executionID
}

func (s *RedisTokenStore) Issue(ctx context.Context, executionID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	if err := s.client.Set(ctx, s.key(executionID), token, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}

	return token, nil
}

func (s *RedisTokenStore) Validate(ctx context.Context, executionID, token string) error {
	stored, err := s.client.Get(ctx, s.key(executionID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrTokenInvalid
	}

	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return ErrTokenInvalid
	}

	return nil
}

func (s *RedisTokenStore) Revoke(ctx context.Context, executionID string) error {
	if err := s.client.Del(ctx, s.key(executionID)).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	return nil
}
