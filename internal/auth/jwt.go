package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator is a reference Validator backed by HMAC-signed bearer
// tokens. Claims carry the subject (user id) and nothing else the
// core cares about.
type JWTValidator struct {
	Secret []byte
}

// NewJWTValidator builds a Validator over a shared HMAC secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{Secret: secret}
}

func (v *JWTValidator) Validate(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid token")
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return sub, nil
}

var _ Validator = (*JWTValidator)(nil)
