package identity

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("super-secret-key", "parley", time.Hour)

	token, err := v.IssueToken("user-123")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if token == "" {
		t.Fatal("issued token is empty")
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("failed to verify token: %v", err)
	}
	if userID != "user-123" {
		t.Errorf("expected user ID user-123, got %s", userID)
	}
}

func TestExpiredToken(t *testing.T) {
	v := NewVerifier("super-secret-key", "parley", -time.Minute)

	token, err := v.IssueToken("u1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	_, err = v.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestWrongSecret(t *testing.T) {
	issuer := NewVerifier("secret1", "parley", time.Hour)
	verifier := NewVerifier("secret2", "parley", time.Hour)

	token, err := issuer.IssueToken("u1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestWrongIssuer(t *testing.T) {
	issuer := NewVerifier("secret", "someone-else", time.Hour)
	verifier := NewVerifier("secret", "parley", time.Hour)

	token, err := issuer.IssueToken("u1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGarbageToken(t *testing.T) {
	v := NewVerifier("secret", "parley", time.Hour)
	if _, err := v.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
