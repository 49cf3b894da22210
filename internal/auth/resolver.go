// Package auth resolves request credentials into identities using the
// external auth service. Tokens are issued and verified there; this package
// only asks and caches the answer.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/storage"
)

// ErrUnauthorized means the credential is missing, invalid or expired.
var ErrUnauthorized = errors.New("unauthorized")

type Resolver interface {
	Resolve(ctx context.Context, credential string) (*model.Identity, error)
}

// ServiceResolver вызывает микросервис авторизации: POST {url}/internal/identity.
type ServiceResolver struct {
	url    string
	client *http.Client
}

func NewServiceResolver(url string, client *http.Client) *ServiceResolver {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ServiceResolver{url: strings.TrimRight(url, "/"), client: client}
}

func (s *ServiceResolver) Resolve(ctx context.Context, credential string) (*model.Identity, error) {
	defer logger.DeferLogDuration("auth.Resolve", time.Now())()
	if strings.TrimSpace(credential) == "" {
		return nil, ErrUnauthorized
	}
	body, err := json.Marshal(map[string]string{"token": credential})
	if err != nil {
		return nil, fmt.Errorf("auth.Resolve: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/internal/identity", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth.Resolve: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth.Resolve: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("auth.Resolve: auth service status %d", resp.StatusCode)
	}
	var id model.Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("auth.Resolve: decode: %w", err)
	}
	if id.ID == "" {
		return nil, ErrUnauthorized
	}
	return &id, nil
}

// CachedResolver кеширует успешные ответы по sha256 от credential, сам токен не хранится.
type CachedResolver struct {
	next  Resolver
	cache storage.IdentityCache
	ttl   time.Duration
}

func NewCachedResolver(next Resolver, cache storage.IdentityCache, ttl time.Duration) *CachedResolver {
	return &CachedResolver{next: next, cache: cache, ttl: ttl}
}

func (c *CachedResolver) Resolve(ctx context.Context, credential string) (*model.Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, ErrUnauthorized
	}
	key := cacheKey(credential)
	if id, err := c.cache.Get(ctx, key); err != nil {
		logger.Warnf("auth cache get: %v", err)
	} else if id != nil {
		return id, nil
	}
	id, err := c.next.Resolve(ctx, credential)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, id, c.ttl); err != nil {
		logger.Warnf("auth cache set: %v", err)
	}
	return id, nil
}

func cacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// StaticResolver maps fixed tokens to identities. Used by tests.
type StaticResolver map[string]model.Identity

func (s StaticResolver) Resolve(ctx context.Context, credential string) (*model.Identity, error) {
	id, ok := s[credential]
	if !ok {
		return nil, ErrUnauthorized
	}
	return &id, nil
}

// Credential extracts the bearer token from the Authorization header, falling
// back to the token query parameter that browsers use for websocket upgrades.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
