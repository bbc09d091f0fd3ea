package interceptors

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"connectrpc.com/connect"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errMissingToken = errors.New("missing bearer token")

// NewAuthInterceptor verifies HS256 bearer tokens. The token subject must be
// the caller's user UUID. Procedures listed as public skip verification.
func NewAuthInterceptor(secret []byte, publicProcedures ...string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if slices.Contains(publicProcedures, req.Spec().Procedure) {
				return next(ctx, req)
			}
			if len(secret) == 0 {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("authentication is not configured"))
			}

			userID, err := verifyToken(req.Header().Get("Authorization"), secret)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			return next(ContextWithUserID(ctx, userID), req)
		}
	}
}

func verifyToken(header string, secret []byte) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", errMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("invalid token subject: %w", err)
	}
	return id.String(), nil
}

// ContextWithUserID stores the authenticated user ID.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserIDFromContext returns the user ID set by the auth interceptor.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}
