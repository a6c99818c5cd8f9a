// Package context provides context utilities for Office Sync.
package context

import (
	"context"
)

type contextKey string

const (
	// ConnectionIDKey is the context key for storing connection ID
	ConnectionIDKey contextKey = "connection_id"

	// UserIDKey is the context key for storing the authenticated user ID
	UserIDKey contextKey = "user_id"
)

// WithConnectionID adds a connection ID to the context.
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connectionID)
}

// GetConnectionID retrieves the connection ID from context.
// Returns empty string if not found.
func GetConnectionID(ctx context.Context) string {
	if connectionID, ok := ctx.Value(ConnectionIDKey).(string); ok {
		return connectionID
	}
	return ""
}

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context.
// Returns empty string if not found.
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}
