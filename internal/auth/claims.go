package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims is the JWT payload carried by connection and API tokens.
type IdentityClaims struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (c IdentityClaims) subjectUserID() string {
	if userID := strings.TrimSpace(c.UserID); userID != "" {
		return userID
	}
	return strings.TrimSpace(c.Subject)
}
