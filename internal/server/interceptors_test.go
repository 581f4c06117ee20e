package server

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRecoveryInterceptor(t *testing.T) {
	intercept := RecoveryInterceptor(zap.NewNop())
	info := &grpc.UnaryServerInfo{FullMethod: "/rampart.v1.Inspector/InspectContent"}

	tests := []struct {
		name     string
		handler  grpc.UnaryHandler
		wantCode codes.Code
		wantResp any
	}{
		{
			name:     "passes through",
			handler:  func(context.Context, any) (any, error) { return "ok", nil },
			wantCode: codes.OK,
			wantResp: "ok",
		},
		{
			name:     "handler error kept",
			handler:  func(context.Context, any) (any, error) { return nil, status.Error(codes.NotFound, "gone") },
			wantCode: codes.NotFound,
		},
		{
			name: "nil map write",
			handler: func(context.Context, any) (any, error) {
				var m map[string]bool
				m["sql_injection"] = true
				return "unreachable", nil
			},
			wantCode: codes.Internal,
		},
		{
			name:     "panic value",
			handler:  func(context.Context, any) (any, error) { panic("boom") },
			wantCode: codes.Internal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := intercept(context.Background(), nil, info, tt.handler)
			if got := status.Code(err); got != tt.wantCode {
				t.Fatalf("code = %v, want %v", got, tt.wantCode)
			}
			if resp != tt.wantResp {
				t.Errorf("resp = %v, want %v", resp, tt.wantResp)
			}
		})
	}
}
