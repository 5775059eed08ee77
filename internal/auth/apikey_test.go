package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{"no key configured", "", "", http.StatusNoContent},
		{"valid key", "secret", "secret", http.StatusNoContent},
		{"valid key with spaces", "secret", " secret ", http.StatusNoContent},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"wrong key", "secret", "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAdminGuard(tt.key).Middleware(okHandler())
			req := httptest.NewRequest(http.MethodPost, "/clusters/recalculate", nil)
			if tt.header != "" {
				req.Header.Set(APIKeyHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUnaryInterceptor(t *testing.T) {
	guard := NewAdminGuard("secret").WithSkipMethods("/open.Service/Ping")
	interceptor := guard.UnaryInterceptor()
	handler := func(context.Context, any) (any, error) { return "ok", nil }

	call := func(ctx context.Context, method string) error {
		_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
		return err
	}
	withKey := func(key string) context.Context {
		return metadata.NewIncomingContext(t.Context(), metadata.Pairs("x-api-key", key))
	}

	require.NoError(t, call(t.Context(), "/grpc.health.v1.Health/Check"))
	require.NoError(t, call(t.Context(), "/open.Service/Ping"))
	require.NoError(t, call(withKey("secret"), "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"))

	err := call(t.Context(), "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	err = call(withKey("wrong"), "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestDisabledGuardAllowsAll(t *testing.T) {
	guard := NewAdminGuard("")
	assert.False(t, guard.Enabled())
	assert.True(t, guard.Valid(""))

	_, err := guard.UnaryInterceptor()(t.Context(), nil, &grpc.UnaryServerInfo{FullMethod: "/any/Method"},
		func(context.Context, any) (any, error) { return nil, nil })
	assert.NoError(t, err)
}
