package shared

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/agritrace/agritrace/internal/platform/httpx"
)

// Principal is the authenticated caller resolved from a bearer token.
type Principal struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// Has reports whether the principal holds perm.
func (p *Principal) Has(perm string) bool {
	if p == nil {
		return false
	}
	perm = strings.ToLower(strings.TrimSpace(perm))
	for _, granted := range p.Permissions {
		if strings.ToLower(granted) == perm {
			return true
		}
	}
	return false
}

// SessionStore resolves bearer tokens against sessions written to Redis by the
// authentication service. Tokens are never stored in clear.
type SessionStore struct {
	client *redis.Client
	prefix string
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(client *redis.Client, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "session:"
	}
	return &SessionStore{client: client, prefix: prefix}
}

// TokenDigest returns the hex blake2b-256 digest of token.
func TokenDigest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *SessionStore) redisKey(token string) string {
	return s.prefix + TokenDigest(token)
}

// Resolve loads the principal bound to token.
func (s *SessionStore) Resolve(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}
	payload, err := s.client.Get(ctx, s.redisKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var p Principal
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, ErrSessionNotFound
	}
	return &p, nil
}

// Put stores a session for token. Used by operator tooling and tests.
func (s *SessionStore) Put(ctx context.Context, token string, p Principal, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.redisKey(token), data, ttl).Err()
}

// Revoke removes the session bound to token.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.redisKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Authenticate rejects requests without a live session and stores the principal in context.
func Authenticate(store *SessionStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := store.Resolve(r.Context(), BearerToken(r))
			if err != nil {
				if errors.Is(err, ErrTokenMissing) || errors.Is(err, ErrSessionNotFound) {
					httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "a valid bearer token is required")
					return
				}
				if logger != nil {
					logger.Error("resolve session", slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusServiceUnavailable, "Session Store Unavailable", "")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}
