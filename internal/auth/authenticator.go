package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// GuestUsername is the display name given to connections without a claimed name.
const GuestUsername = "Guest"

// Handshake is the identity material presented when a connection opens.
type Handshake struct {
	ConnectionID string
	Token        string
	Username     string
	UserID       string
}

// ProfileStore enriches verified identities from the user directory.
type ProfileStore interface {
	Remember(ctx context.Context, identity Identity) (Identity, error)
}

// AuthenticatorConfig wires the Authenticator collaborators.
type AuthenticatorConfig struct {
	Resolver IdentityResolver
	Profiles ProfileStore
	Logger   *zap.Logger
}

// Authenticator binds an identity to a connection. It never rejects a
// handshake: any resolution failure degrades to the advisory identity.
type Authenticator struct {
	resolver IdentityResolver
	profiles ProfileStore
	logger   *zap.Logger
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("authenticator: identity resolver required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		resolver: cfg.Resolver,
		profiles: cfg.Profiles,
		logger:   logger,
	}, nil
}

// Authenticate resolves the handshake into the identity bound for the connection lifetime.
func (a *Authenticator) Authenticate(ctx context.Context, handshake Handshake) Identity {
	advisory := AdvisoryIdentity(handshake)
	token := strings.TrimSpace(handshake.Token)
	if token == "" {
		return advisory
	}

	resolved, err := a.resolver.Resolve(token)
	if err != nil {
		fields := []zap.Field{
			zap.String("connection_id", handshake.ConnectionID),
			zap.Error(err),
		}
		if errors.Is(err, ErrExpiredToken) {
			a.logger.Info("identity resolution failed, using advisory identity", fields...)
		} else {
			a.logger.Warn("identity resolution failed, using advisory identity", fields...)
		}
		return advisory
	}

	if resolved.UserID == "" {
		resolved.UserID = advisory.UserID
	}
	if resolved.Verified() && a.profiles != nil {
		remembered, err := a.profiles.Remember(ctx, resolved)
		if err != nil {
			a.logger.Warn("profile lookup failed",
				zap.String("user_id", resolved.UserID),
				zap.Error(err))
		} else {
			resolved = remembered
		}
	}
	if resolved.Username == "" {
		// Verified identities never take a name from the unsigned handshake.
		if resolved.Verified() {
			resolved.Username = GuestUsername
		} else {
			resolved.Username = advisory.Username
		}
	}
	return resolved
}

// AuthenticateRequest resolves an HTTP request carrying a bearer token or session cookie.
func (a *Authenticator) AuthenticateRequest(r *http.Request, cookieName string) Identity {
	return a.Authenticate(r.Context(), HandshakeFromRequest(r, cookieName))
}

// AdvisoryIdentity derives the fallback identity from the claimed handshake fields.
func AdvisoryIdentity(handshake Handshake) Identity {
	username := strings.TrimSpace(handshake.Username)
	if username == "" {
		username = GuestUsername
	}
	userID := strings.TrimSpace(handshake.UserID)
	if userID == "" {
		userID = handshake.ConnectionID
	}
	return Identity{UserID: userID, Username: username, Trust: TrustAdvisory}
}

// HandshakeFromRequest extracts handshake fields from query parameters, the
// Authorization header and, as a last resort, the session cookie.
func HandshakeFromRequest(r *http.Request, cookieName string) Handshake {
	if r == nil {
		return Handshake{}
	}
	query := r.URL.Query()
	handshake := Handshake{
		Token:    strings.TrimSpace(query.Get("token")),
		Username: strings.TrimSpace(query.Get("username")),
		UserID:   strings.TrimSpace(query.Get("userId")),
	}
	if handshake.Token == "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			handshake.Token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if handshake.Token == "" && cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
			handshake.Token = strings.TrimSpace(cookie.Value)
		}
	}
	return handshake
}
