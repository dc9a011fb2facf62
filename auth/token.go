package auth

import (
	"context"
	"fmt"
	"lingo-chat/domain/conversation"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "lingo-chat"

// ChatClaims defines the data stored inside a chat credential.
type ChatClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs chat credentials locally with HS256.
// Used when the messaging backend shares the signing secret with us (dev, tests).
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{key: key, ttl: ttl, now: time.Now}
}

// Issue creates a signed credential scoped to subjectID.
func (t *TokenIssuer) Issue(_ context.Context, subjectID string) (conversation.Credential, error) {
	if subjectID == "" {
		return conversation.Credential{}, fmt.Errorf("issue token: empty subject")
	}
	now := t.now()
	expiresAt := now.Add(t.ttl)

	claims := &ChatClaims{
		UserID: subjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return conversation.Credential{}, fmt.Errorf("sign token: %w", err)
	}
	// NumericDate has second precision, keep the credential aligned with the token
	return conversation.Credential{
		SubjectID: subjectID,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ValidateToken parses and validates the signature and expiration of a token.
func (t *TokenIssuer) ValidateToken(tokenString string) (*ChatClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ChatClaims{}, func(token *jwt.Token) (interface{}, error) {
		return t.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ChatClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}

// ExpiryOf reads the exp claim of a JWT without verifying it.
// Opaque or exp-less tokens yield the zero time.
func ExpiryOf(tokenString string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
