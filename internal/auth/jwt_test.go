package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collabroom/internal/models"
)

func TestAuthenticateSuccess(t *testing.T) {
	a := NewJWTAuthenticator("secret-key")
	token, err := a.Sign(models.Identity{
		UserID: "user-1", DisplayName: "Ada", Email: "ada@example.com", Role: models.RoleOwner,
	}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if id.UserID != "user-1" || id.DisplayName != "Ada" || id.Email != "ada@example.com" || id.Role != models.RoleOwner {
		t.Fatalf("unexpected identity %#v", id)
	}
}

func TestAuthenticateDefaultsRoleAndUsesSubject(t *testing.T) {
	a := NewJWTAuthenticator("secret-key")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role:             "superuser",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-7"},
	}).SignedString([]byte("secret-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "sub-7" || id.Role != models.RoleEditor {
		t.Fatalf("unexpected identity %#v", id)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewJWTAuthenticator("secret-a")

	wrongSecret, _ := NewJWTAuthenticator("other").Sign(models.Identity{UserID: "u"}, time.Minute)
	expired, _ := a.Sign(models.Identity{UserID: "u"}, -time.Minute)
	noUser, _ := a.Sign(models.Identity{}, time.Minute)

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rsaToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{UserID: "u"}).SignedString(key)
	if err != nil {
		t.Fatalf("sign rsa: %v", err)
	}

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": wrongSecret,
		"expired":      expired,
		"no user":      noUser,
		"rsa method":   rsaToken,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
