package auth

import (
	"context"
	"errors"
)

// ErrNoUser is returned when the context carries no authenticated subject.
var ErrNoUser = errors.New("user ID not found in context")

// GetUserIDFromContext extracts the user ID from JWT claims in the context.
// Returns empty string if not authenticated.
func GetUserIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// RequireUserIDFromContext is GetUserIDFromContext for operations that cannot
// run anonymously.
func RequireUserIDFromContext(ctx context.Context) (string, error) {
	userID := GetUserIDFromContext(ctx)
	if userID == "" {
		return "", ErrNoUser
	}
	return userID, nil
}
