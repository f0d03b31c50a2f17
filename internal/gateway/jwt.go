// Package gateway authenticates browsers and multiplexes their
// per-session terminal streams over one WebSocket, sharing upstream
// session-manager connections across browsers.
package gateway

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TerminalClaims are the JWT claims carried on the browser socket's
// token query parameter.
type TerminalClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
}

// IssueToken signs a browser token. Identity verification happens
// elsewhere; the gateway only consumes the result.
func IssueToken(secret []byte, userID, displayName string, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := TerminalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		DisplayName: displayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken verifies a browser token and returns the claims.
func ValidateToken(secret []byte, tokenString string) (*TerminalClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TerminalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}

	claims, ok := token.Claims.(*TerminalClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	return claims, nil
}
