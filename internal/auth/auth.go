// Package auth exposes the authorization collaborator boundary. Permissions
// and scope are read-only lookups, resolved once per subscription.
package auth

import (
	"context"
	"sync"

	"github.com/officesync/office-sync/internal/pkg/errors"
	"github.com/officesync/office-sync/internal/store"
)

// Authorizer resolves a user's permissions and department scope.
type Authorizer interface {
	// GetPermissions returns the permission set for a user.
	GetPermissions(ctx context.Context, userID string) (map[string]bool, error)

	// GetScope returns the user's department scope, or "" when unrestricted.
	GetScope(ctx context.Context, userID string) (string, error)
}

// SQLAuthorizer looks permissions up in the relational store.
type SQLAuthorizer struct {
	pool store.Pool
}

// NewSQLAuthorizer creates an authorizer backed by the store pool.
func NewSQLAuthorizer(pool store.Pool) *SQLAuthorizer {
	return &SQLAuthorizer{pool: pool}
}

// GetPermissions returns the permission names granted to a user.
func (a *SQLAuthorizer) GetPermissions(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT p.name FROM permissions p
		 JOIN user_permissions up ON up.permission_id = p.id
		 WHERE up.user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.DatabaseError("scanning permission", err)
		}
		perms[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("iterating permissions", err)
	}
	return perms, nil
}

// GetScope returns the user's department scope. A user with no row is
// unrestricted.
func (a *SQLAuthorizer) GetScope(ctx context.Context, userID string) (string, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT department_id FROM user_scopes WHERE user_id = $1`, userID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var scope string
	if rows.Next() {
		if err := rows.Scan(&scope); err != nil {
			return "", errors.DatabaseError("scanning scope", err)
		}
	}
	if err := rows.Err(); err != nil {
		return "", errors.DatabaseError("iterating scopes", err)
	}
	return scope, nil
}

// StaticAuthorizer serves fixed permission sets. Used in tests and
// single-tenant deployments without a permission table.
type StaticAuthorizer struct {
	mu     sync.RWMutex
	perms  map[string]map[string]bool
	scopes map[string]string
}

// NewStaticAuthorizer creates an empty static authorizer.
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{
		perms:  make(map[string]map[string]bool),
		scopes: make(map[string]string),
	}
}

// Grant assigns permissions to a user.
func (a *StaticAuthorizer) Grant(userID string, permissions ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.perms[userID] == nil {
		a.perms[userID] = make(map[string]bool)
	}
	for _, p := range permissions {
		a.perms[userID][p] = true
	}
}

// SetScope restricts a user to a department scope.
func (a *StaticAuthorizer) SetScope(userID, scope string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scopes[userID] = scope
}

// GetPermissions returns a copy of the user's permission set.
func (a *StaticAuthorizer) GetPermissions(ctx context.Context, userID string) (map[string]bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]bool, len(a.perms[userID]))
	for p := range a.perms[userID] {
		out[p] = true
	}
	return out, nil
}

// GetScope returns the user's scope, or "" when unrestricted.
func (a *StaticAuthorizer) GetScope(ctx context.Context, userID string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scopes[userID], nil
}
