package auth

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestParseBearer(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"bearer", "Bearer rmp_abc12345", "rmp_abc12345", nil},
		{"lowercase scheme", "bearer rmp_abc12345", "rmp_abc12345", nil},
		{"bare key", "rmp_abc12345", "rmp_abc12345", nil},
		{"padded", "  Bearer   rmp_abc12345  ", "rmp_abc12345", nil},
		{"empty", "", "", ErrMissingAPIKey},
		{"whitespace", "   ", "", ErrMissingAPIKey},
		{"wrong prefix", "Bearer sk_live_abcdef", "", ErrInvalidAPIKey},
		{"too short", "Bearer rmp_", "", ErrInvalidAPIKey},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", ErrInvalidAPIKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBearer(tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromMetadata(t *testing.T) {
	if _, err := FromMetadata(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("no metadata: err = %v, want ErrMissingAPIKey", err)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-other", "1"))
	if _, err := FromMetadata(ctx); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("no authorization: err = %v, want ErrMissingAPIKey", err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer rmp_abc12345"))
	key, err := FromMetadata(ctx)
	if err != nil || key != "rmp_abc12345" {
		t.Errorf("FromMetadata = %q, %v", key, err)
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Error("empty context should carry no principal")
	}
	ctx := WithPrincipal(context.Background(), &Principal{KeyID: "k1"})
	p, ok := PrincipalFrom(ctx)
	if !ok || p.KeyID != "k1" {
		t.Errorf("PrincipalFrom = %+v, %v", p, ok)
	}
}
