package auth

import (
	"context"
	"testing"
	"time"
)

func TestIssueAndValidateToken(t *testing.T) {
	manager := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		TokenTTL:      time.Hour,
	})

	token, expiresIn, err := manager.IssueToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != 3600 {
		t.Fatalf("unexpected expiry seconds: %d", expiresIn)
	}

	subject, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "operator" {
		t.Fatalf("unexpected subject: %s", subject)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	current := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return current },
	})

	token, _, err := manager.IssueToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current = current.Add(2 * time.Hour)
	if _, err := manager.ValidateToken(token); err == nil {
		t.Fatalf("expected an expired token error")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenManager(TokenManagerConfig{SigningSecret: []byte("secret-a")})
	verifier := NewTokenManager(TokenManagerConfig{SigningSecret: []byte("secret-b")})

	token, _, err := issuer.IssueToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := verifier.ValidateToken(token); err == nil {
		t.Fatalf("expected a signature error")
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	manager := NewTokenManager(TokenManagerConfig{SigningSecret: []byte("test-secret")})
	if _, _, err := manager.IssueToken(context.Background(), ""); err == nil {
		t.Fatalf("expected a missing subject error")
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	manager := NewTokenManager(TokenManagerConfig{})
	if _, _, err := manager.IssueToken(context.Background(), "operator"); err == nil {
		t.Fatalf("expected a missing secret error")
	}
}
