// Package auth guards administrative endpoints with a static API key.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// APIKeyHeader is the header and metadata key carrying the admin key.
const APIKeyHeader = "X-API-Key"

// metadataKey is APIKeyHeader as gRPC metadata keys are lower case.
var metadataKey = strings.ToLower(APIKeyHeader)

// AdminGuard checks the admin API key. A guard without a key allows every
// request.
type AdminGuard struct {
	adminAPIKey string
	skipMethods map[string]bool
}

// NewAdminGuard creates a guard for the given key.
func NewAdminGuard(adminAPIKey string) *AdminGuard {
	return &AdminGuard{
		adminAPIKey: adminAPIKey,
		skipMethods: map[string]bool{
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
			"/grpc.health.v1.Health/List":  true,
		},
	}
}

// WithSkipMethods adds gRPC methods that never require the key.
func (g *AdminGuard) WithSkipMethods(methods ...string) *AdminGuard {
	for _, method := range methods {
		g.skipMethods[method] = true
	}
	return g
}

// Enabled reports whether a key is configured.
func (g *AdminGuard) Enabled() bool {
	return g.adminAPIKey != ""
}

// Valid reports whether key matches the admin key.
func (g *AdminGuard) Valid(key string) bool {
	if !g.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), []byte(g.adminAPIKey)) == 1
}

// Middleware rejects HTTP requests without a valid X-API-Key header.
func (g *AdminGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Valid(r.Header.Get(APIKeyHeader)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing admin API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor returns a gRPC unary interceptor for admin key validation
func (g *AdminGuard) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := g.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor for admin key validation
func (g *AdminGuard) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := g.check(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (g *AdminGuard) check(ctx context.Context, method string) error {
	if !g.Enabled() || g.skipMethods[method] {
		return nil
	}
	key, err := extractAPIKey(ctx)
	if err != nil {
		return err
	}
	if !g.Valid(key) {
		return status.Error(codes.PermissionDenied, "invalid admin API key")
	}
	return nil
}

// extractAPIKey extracts the API key from gRPC metadata
func extractAPIKey(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get(metadataKey)
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing API key")
	}

	apiKey := strings.TrimSpace(values[0])
	if apiKey == "" {
		return "", status.Error(codes.Unauthenticated, "empty API key")
	}

	return apiKey, nil
}
