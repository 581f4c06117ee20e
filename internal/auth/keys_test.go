package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testAPIKey = "rmp_test_valid_key_1234567890abcdef"

func testHash(t testing.TB, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

type mockKeyStore struct {
	records []KeyRecord
	err     error
	calls   atomic.Int32
	prefix  atomic.Value // last prefix seen
}

func (m *mockKeyStore) Candidates(_ context.Context, prefix string) ([]KeyRecord, error) {
	m.calls.Add(1)
	m.prefix.Store(prefix)
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}

func newTestAuthenticator(ttl time.Duration, stores ...KeyStore) *KeyAuthenticator {
	return NewKeyAuthenticator(KeyAuthConfig{Stores: stores, CacheTTL: ttl, Logger: zap.NewNop()})
}

func TestKeyAuthenticator_ValidKeyIsCached(t *testing.T) {
	store := &mockKeyStore{records: []KeyRecord{
		{ID: "k1", Name: "ci", Prefix: testAPIKey[:8], Hash: testHash(t, testAPIKey), Source: "postgres"},
	}}
	a := newTestAuthenticator(time.Minute, store)

	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.KeyID != "k1" || p.Name != "ci" || p.Source != "postgres" {
		t.Errorf("principal = %+v", p)
	}
	if got := store.prefix.Load(); got != "rmp_test" {
		t.Errorf("lookup prefix = %v, want rmp_test", got)
	}

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}
	if n := store.calls.Load(); n != 1 {
		t.Errorf("store calls = %d, want 1 (cache hit)", n)
	}
}

func TestKeyAuthenticator_Rejections(t *testing.T) {
	store := &mockKeyStore{records: []KeyRecord{
		{ID: "k1", Prefix: testAPIKey[:8], Hash: testHash(t, testAPIKey)},
	}}
	a := newTestAuthenticator(time.Minute, store)

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"empty", "", ErrMissingAPIKey},
		{"short", "rmp_", ErrInvalidAPIKey},
		{"wrong secret", "rmp_test_wrong_secret", ErrInvalidAPIKey},
		{"other prefix", "rmp_zzzz_valid_key_1234567890abcdef", ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Authenticate(context.Background(), tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyAuthenticator_StaticKeys(t *testing.T) {
	a := newTestAuthenticator(time.Minute, NewStaticKeys([]string{testHash(t, "rmp_other_key_0000"), testHash(t, testAPIKey)}))

	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.KeyID != "static-1" || p.Source != "static" {
		t.Errorf("principal = %+v", p)
	}
}

func TestKeyAuthenticator_BackendDown(t *testing.T) {
	down := &mockKeyStore{err: errors.New("connection refused")}

	t.Run("only backend", func(t *testing.T) {
		a := newTestAuthenticator(time.Minute, down)
		if _, err := a.Authenticate(context.Background(), testAPIKey); !errors.Is(err, ErrAuthUnavailable) {
			t.Errorf("err = %v, want ErrAuthUnavailable", err)
		}
	})

	t.Run("other backend verifies", func(t *testing.T) {
		a := newTestAuthenticator(time.Minute, down, NewStaticKeys([]string{testHash(t, testAPIKey)}))
		if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
			t.Errorf("Authenticate: %v", err)
		}
	})
}

func TestKeyAuthenticator_StaleServedThenRefreshed(t *testing.T) {
	store := &mockKeyStore{records: []KeyRecord{
		{ID: "k1", Prefix: testAPIKey[:8], Hash: testHash(t, testAPIKey)},
	}}
	a := newTestAuthenticator(time.Millisecond, store)

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	// Revoked in the backend: the stale entry is still served once, then
	// the background refresh evicts it.
	store.records = nil
	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("stale Authenticate: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for store.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for time.Now().Before(deadline) {
		if !a.cache.Get(testAPIKey).Hit {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := a.Authenticate(context.Background(), testAPIKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("after refresh err = %v, want ErrInvalidAPIKey", err)
	}
}
