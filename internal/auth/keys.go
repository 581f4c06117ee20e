package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// refreshTimeout bounds a background cache refresh.
const refreshTimeout = 5 * time.Second

// KeyRecord is a stored API key: its bcrypt hash and who it belongs to.
type KeyRecord struct {
	ID     string
	Name   string
	Prefix string // empty matches any presented key
	Hash   string
	Source string
}

// KeyStore returns the records a presented key could match. prefix is the
// first characters of the presented key.
type KeyStore interface {
	Candidates(ctx context.Context, prefix string) ([]KeyRecord, error)
}

// StaticKeys serves bcrypt hashes from configuration.
type StaticKeys []KeyRecord

// NewStaticKeys wraps configured hashes; each becomes a key named
// "static-<n>".
func NewStaticKeys(hashes []string) StaticKeys {
	keys := make(StaticKeys, 0, len(hashes))
	for i, h := range hashes {
		keys = append(keys, KeyRecord{
			ID:     fmt.Sprintf("static-%d", i),
			Name:   fmt.Sprintf("static-%d", i),
			Hash:   h,
			Source: "static",
		})
	}
	return keys
}

func (s StaticKeys) Candidates(_ context.Context, _ string) ([]KeyRecord, error) {
	return s, nil
}

// KeyAuthenticator verifies keys against one or more KeyStores, fronted by
// an AuthCache.
type KeyAuthenticator struct {
	stores []KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// KeyAuthConfig configures a KeyAuthenticator.
type KeyAuthConfig struct {
	Stores   []KeyStore
	CacheTTL time.Duration // default 30s
	Logger   *zap.Logger
}

func NewKeyAuthenticator(cfg KeyAuthConfig) *KeyAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyAuthenticator{stores: cfg.Stores, cache: NewAuthCache(ttl), logger: logger}
}

// Authenticate verifies apiKey.
//
//  1. Fresh cache hit: return immediately.
//  2. Stale hit: return the cached principal and refresh in the background.
//  3. Miss: look up candidates and bcrypt-verify synchronously.
//
// A store that fails is reported as ErrAuthUnavailable only when no other
// store could verify the key.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Principal, nil
	}

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		if !errors.Is(err, ErrInvalidAPIKey) {
			a.logger.Warn("auth backend unreachable", zap.Error(err))
		}
		return nil, err
	}
	a.cache.Set(apiKey, p)
	return p, nil
}

// backgroundRefresh re-verifies a stale key. A key that no longer verifies
// is evicted so the next request takes the synchronous path.
func (a *KeyAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, p)
}

func (a *KeyAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	if len(apiKey) < lookupPrefixLen {
		return nil, ErrInvalidAPIKey
	}
	prefix := apiKey[:lookupPrefixLen]

	var storeErr error
	for _, s := range a.stores {
		records, err := s.Candidates(ctx, prefix)
		if err != nil {
			storeErr = errors.Join(storeErr, err)
			continue
		}
		for _, r := range records {
			if r.Prefix != "" && r.Prefix != prefix {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(r.Hash), []byte(apiKey)) == nil {
				return &Principal{KeyID: r.ID, Name: r.Name, Source: r.Source}, nil
			}
		}
	}
	if storeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, storeErr)
	}
	return nil, ErrInvalidAPIKey
}
