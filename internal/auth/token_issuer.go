package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the HS256 token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs identity tokens that VerifiedResolver accepts.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueToken produces a signed JWT and its expiry (seconds) for the given user.
func (i *TokenIssuer) IssueToken(_ context.Context, userID, username string) (string, int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := IdentityClaims{
		UserID:   userID,
		Username: strings.TrimSpace(username),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if i.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.config.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
