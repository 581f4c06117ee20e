package server

import (
	"context"
	"errors"
	"time"

	"github.com/triage-ai/rampart/internal/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AuthInterceptor authenticates the bearer key in the "authorization"
// metadata and stores the principal on the context. Methods whose full
// name is in skip (health checks, reflection) pass through.
func AuthInterceptor(authn auth.Authenticator, logger *zap.Logger, skip ...string) grpc.UnaryServerInterceptor {
	open := make(map[string]bool, len(skip))
	for _, m := range skip {
		open[m] = true
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if open[info.FullMethod] {
			return handler(ctx, req)
		}

		token, err := auth.FromMetadata(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
		}
		p, err := authn.Authenticate(ctx, token)
		if errors.Is(err, auth.ErrAuthUnavailable) {
			logger.Error("auth backend unavailable", zap.Error(err))
			return nil, status.Error(codes.Unavailable, "authentication unavailable")
		}
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
		}
		return handler(auth.WithPrincipal(ctx, p), req)
	}
}

// LoggingInterceptor logs every unary call with its status code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

// RecoveryInterceptor turns a handler panic into codes.Internal so one bad
// request cannot take the process down. Chain it first.
func RecoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc handler panicked",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
