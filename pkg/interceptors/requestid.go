// Package interceptors holds the Connect interceptor chain of the API server.
package interceptors

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
)

// NewRequestIDInterceptor propagates the caller's request ID from header, or
// assigns a new one, and echoes it on the response.
func NewRequestIDInterceptor(header string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			id := req.Header().Get(header)
			if id == "" {
				id = uuid.NewString()
			}
			ctx = context.WithValue(ctx, requestIDKey, id)

			resp, err := next(ctx, req)
			if err == nil {
				resp.Header().Set(header, id)
			}
			var connectErr *connect.Error
			if errors.As(err, &connectErr) {
				connectErr.Meta().Set(header, id)
			}
			return resp, err
		}
	}
}

// GetRequestIDFromContext returns the request ID set by the request ID interceptor.
func GetRequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}
