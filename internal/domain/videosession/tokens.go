package videosession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ehr/telehealth/internal/platform/clock"
)

// MemoryTokenStore keeps tokens in process. Expiry is checked on Consume.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*SessionAccessToken
	clock  clock.Clock
}

func NewMemoryTokenStore(clk clock.Clock) *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*SessionAccessToken), clock: clk}
}

func (s *MemoryTokenStore) Put(_ context.Context, t *SessionAccessToken, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.TokenID] = &cp
	return nil
}

func (s *MemoryTokenStore) Consume(_ context.Context, tokenID string) (*SessionAccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, ErrInvalidToken
	}
	delete(s.tokens, tokenID)
	if !s.clock.Now().Before(t.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired %s", ErrInvalidToken, t.ExpiresAt.Format(time.RFC3339))
	}
	return t, nil
}

const redisTokenPrefix = "telehealth:session-token:"

// RedisTokenStore keeps tokens in Redis under a TTL. GETDEL makes Consume
// single-use across server instances.
type RedisTokenStore struct {
	client *redis.Client
	clock  clock.Clock
}

func NewRedisTokenStore(client *redis.Client, clk clock.Clock) *RedisTokenStore {
	return &RedisTokenStore{client: client, clock: clk}
}

func (s *RedisTokenStore) Put(ctx context.Context, t *SessionAccessToken, ttl time.Duration) error {
	rec := *t
	rec.Token = ""
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode access token: %w", err)
	}
	if err := s.client.Set(ctx, redisTokenPrefix+t.TokenID, b, ttl).Err(); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Consume(ctx context.Context, tokenID string) (*SessionAccessToken, error) {
	b, err := s.client.GetDel(ctx, redisTokenPrefix+tokenID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("consume access token: %w", err)
	}
	var t SessionAccessToken
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	if !s.clock.Now().Before(t.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired %s", ErrInvalidToken, t.ExpiresAt.Format(time.RFC3339))
	}
	return &t, nil
}

type accessClaims struct {
	SessionID string          `json:"sid"`
	Role      ParticipantRole `json:"role"`
	jwt.RegisteredClaims
}

// signer issues and verifies the HS256 session tokens.
type signer struct {
	secret []byte
	clock  clock.Clock
}

func (s signer) sign(t *SessionAccessToken, issuedAt time.Time) (string, error) {
	claims := accessClaims{
		SessionID: t.SessionID,
		Role:      t.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.TokenID,
			Subject:   t.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s signer) verify(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
