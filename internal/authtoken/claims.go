// Package authtoken reads the claims the client needs from an access token:
// its expiry and the identity it was issued for. Signatures are not checked;
// the backend remains the authority on validity.
package authtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMalformed = errors.New("malformed access token")

type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	UserKey any `json:"id,omitempty"`
	UserID  any `json:"userId,omitempty"`
}

var parser = jwt.NewParser()

func Decode(raw string) (Claims, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return Claims{}, ErrMalformed
	}
	parsed := &accessClaims{}
	if _, _, err := parser.ParseUnverified(token, parsed); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	claims := Claims{Subject: parsed.Subject}
	if claims.Subject == "" {
		claims.Subject = stringClaim(parsed.UserKey)
	}
	if claims.Subject == "" {
		claims.Subject = stringClaim(parsed.UserID)
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}
	return claims, nil
}

// Expired reports whether the token is unusable at now. A token that cannot
// be decoded counts as expired. A token without an exp claim does not.
func Expired(raw string, now time.Time) bool {
	claims, err := Decode(raw)
	if err != nil {
		return true
	}
	if claims.ExpiresAt.IsZero() {
		return false
	}
	return !claims.ExpiresAt.After(now)
}

// Identity returns the user the token was issued for, or "" when unknown.
func Identity(raw string) string {
	claims, err := Decode(raw)
	if err != nil {
		return ""
	}
	return claims.Subject
}

func stringClaim(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
