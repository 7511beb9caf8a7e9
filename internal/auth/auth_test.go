package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, subject string, expired bool) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject}
	if expired {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	} else {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestJWTValidatorAcceptsValidToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTValidator(secret)
	tok := signToken(t, secret, "user-1", false)

	userID, err := v.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("userID = %q, want user-1", userID)
	}
}

func TestJWTValidatorRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTValidator(secret)
	tok := signToken(t, secret, "user-1", true)

	if _, err := v.Validate(context.Background(), tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestJWTValidatorRejectsWrongSecret(t *testing.T) {
	v := NewJWTValidator([]byte("right-secret"))
	tok := signToken(t, []byte("wrong-secret"), "user-1", false)

	if _, err := v.Validate(context.Background(), tok); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestMemoryDirectoryOwnership(t *testing.T) {
	d := NewMemoryDirectory()
	d.RegisterDevice("device-1", "user-1")

	ok, err := d.Owns(context.Background(), "user-1", "device-1")
	if err != nil || !ok {
		t.Fatalf("Owns = %v, %v; want true, nil", ok, err)
	}

	ok, err = d.Owns(context.Background(), "user-2", "device-1")
	if err != nil || ok {
		t.Fatalf("Owns = %v, %v; want false, nil", ok, err)
	}
}

func TestMemoryDirectoryResolveClient(t *testing.T) {
	d := NewMemoryDirectory()
	d.RegisterClient("acme", "http://localhost:9000")

	baseURL, ok := d.ResolveClient(context.Background(), "acme")
	if !ok || baseURL != "http://localhost:9000" {
		t.Fatalf("ResolveClient = %q, %v", baseURL, ok)
	}

	if _, ok := d.ResolveClient(context.Background(), "missing"); ok {
		t.Fatal("expected ResolveClient to report not-found")
	}
}
