package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken reports a bearer token that is unknown or expired.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenStore keeps bearer tokens in Redis with a fixed lifetime.
type TokenStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenStore constructs a TokenStore.
func NewTokenStore(client *redis.Client, ttl time.Duration) *TokenStore {
	return &TokenStore{client: client, ttl: ttl, now: time.Now}
}

// TTL exposes the configured token lifetime.
func (s *TokenStore) TTL() time.Duration {
	return s.ttl
}

// Issue stores identity under a fresh token.
func (s *TokenStore) Issue(ctx context.Context, identity Identity) (string, Identity, error) {
	token := generateToken()
	identity.IssuedAt = s.now().UTC()
	identity.ExpiresAt = identity.IssuedAt.Add(s.ttl)
	data, err := json.Marshal(identity)
	if err != nil {
		return "", Identity{}, err
	}
	if err := s.client.Set(ctx, redisKey(token), data, s.ttl).Err(); err != nil {
		return "", Identity{}, fmt.Errorf("auth: store token: %w", err)
	}
	return token, identity, nil
}

// Lookup returns the identity bound to token.
func (s *TokenStore) Lookup(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	payload, err := s.client.Get(ctx, redisKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("auth: load token: %w", err)
	}
	var identity Identity
	if err := json.Unmarshal(payload, &identity); err != nil {
		return nil, fmt.Errorf("auth: decode token: %w", err)
	}
	return &identity, nil
}

// Revoke deletes token. Unknown tokens are ignored.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, redisKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	return nil
}

func redisKey(token string) string {
	return "gate:token:" + token
}

func generateToken() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
