package auth

import (
	"context"
	"testing"
)

func TestStaticAuthorizerGrant(t *testing.T) {
	a := NewStaticAuthorizer()
	a.Grant("u1", "department:read", "desk:read")

	perms, err := a.GetPermissions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetPermissions() error = %v", err)
	}
	if !perms["department:read"] || !perms["desk:read"] {
		t.Errorf("missing granted permissions: %v", perms)
	}
	if perms["employee:read"] {
		t.Error("permission granted that was never assigned")
	}
}

func TestStaticAuthorizerUnknownUser(t *testing.T) {
	a := NewStaticAuthorizer()

	perms, err := a.GetPermissions(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetPermissions() error = %v", err)
	}
	if len(perms) != 0 {
		t.Errorf("expected empty permission set, got %v", perms)
	}

	scope, err := a.GetScope(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetScope() error = %v", err)
	}
	if scope != "" {
		t.Errorf("expected unrestricted scope, got %q", scope)
	}
}

func TestStaticAuthorizerScope(t *testing.T) {
	a := NewStaticAuthorizer()
	a.SetScope("u1", "dept:5")

	scope, err := a.GetScope(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetScope() error = %v", err)
	}
	if scope != "dept:5" {
		t.Errorf("scope = %q, want dept:5", scope)
	}
}

func TestStaticAuthorizerCopiesPermissions(t *testing.T) {
	a := NewStaticAuthorizer()
	a.Grant("u1", "department:read")

	perms, _ := a.GetPermissions(context.Background(), "u1")
	perms["stolen"] = true

	again, _ := a.GetPermissions(context.Background(), "u1")
	if again["stolen"] {
		t.Error("mutating returned set leaked into authorizer state")
	}
}
