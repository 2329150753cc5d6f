package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("identity resolver: signing key required")
	ErrMissingIssuer     = errors.New("identity resolver: issuer required")
	ErrMissingToken      = errors.New("identity resolver: token required")
	ErrInvalidToken      = errors.New("identity resolver: invalid token")
	ErrExpiredToken      = errors.New("identity resolver: token expired")
	ErrMissingSubject    = errors.New("identity resolver: subject required")
)

// Trust describes how strongly an identity was established.
type Trust int

const (
	// TrustAdvisory identities are claimed by the client and never checked.
	TrustAdvisory Trust = iota
	// TrustVerified identities carry a valid signature from the configured secret.
	TrustVerified
)

func (t Trust) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	default:
		return "advisory"
	}
}

// Identity is the (userId, username) pair bound to a connection or request.
type Identity struct {
	UserID   string
	Username string
	Trust    Trust
}

// Verified reports whether the identity passed a cryptographic check.
func (i Identity) Verified() bool {
	return i.Trust == TrustVerified
}

// Satisfies reports whether the identity meets the required trust level.
func (i Identity) Satisfies(required Trust) bool {
	return i.Trust >= required
}

// IdentityResolver turns a bearer token into an Identity.
type IdentityResolver interface {
	Resolve(token string) (Identity, error)
}

// VerifiedResolverConfig describes how to validate HS256 identity tokens.
type VerifiedResolverConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// VerifiedResolver validates HS256 JWTs signed with the shared secret.
type VerifiedResolver struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewVerifiedResolver constructs a resolver with the provided configuration.
func NewVerifiedResolver(cfg VerifiedResolverConfig) (*VerifiedResolver, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &VerifiedResolver{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// Resolve validates the supplied JWT string and returns the verified identity.
func (v *VerifiedResolver) Resolve(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	userID := claims.subjectUserID()
	if userID == "" {
		return Identity{}, ErrMissingSubject
	}
	return Identity{
		UserID:   userID,
		Username: strings.TrimSpace(claims.Username),
		Trust:    TrustVerified,
	}, nil
}

// AdvisoryResolver decodes token claims without checking the signature.
// It serves deployments that run without a signing secret.
type AdvisoryResolver struct {
	parser *jwt.Parser
}

// NewAdvisoryResolver constructs an AdvisoryResolver.
func NewAdvisoryResolver() *AdvisoryResolver {
	return &AdvisoryResolver{parser: jwt.NewParser()}
}

// Resolve decodes the payload of tokenString; missing claims stay empty.
func (a *AdvisoryResolver) Resolve(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	claims := &IdentityClaims{}
	if _, _, err := a.parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Identity{
		UserID:   claims.subjectUserID(),
		Username: strings.TrimSpace(claims.Username),
		Trust:    TrustAdvisory,
	}, nil
}
