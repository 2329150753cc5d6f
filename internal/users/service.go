package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultProvider = "default"

// ServiceConfig describes the dependencies required for the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the directory of verified users seen by the server.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Remember records a verified identity and returns it with the canonical
// user id and the best known display name. Identities given as
// "provider:subject" are stored under that provider.
func (s *Service) Remember(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	provider, subject := deriveProviderSubject(identity.UserID)
	if subject == "" {
		return auth.Identity{}, ErrInvalidIdentity
	}
	displayName := normalize(identity.Username)
	cacheKey := provider + ":" + subject

	if cached, ok := s.cache.Load(cacheKey); ok {
		if stored, ok := cached.(Identity); ok && (displayName == "" || displayName == stored.DisplayName) {
			return withStored(identity, stored), nil
		}
	}

	db := s.db.WithContext(ctx)
	var stored Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).First(&stored).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		stored = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&stored).Error; err != nil {
			return auth.Identity{}, err
		}
	case err != nil:
		return auth.Identity{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if displayName != "" && displayName != stored.DisplayName {
			updates["display_name"] = displayName
			stored.DisplayName = displayName
		}
		// A failed refresh still admits the identity with the stored row.
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("failed to update user identity",
				zap.String("provider", provider),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, stored)
	return withStored(identity, stored), nil
}

// DisplayName returns the stored display name of userID.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, bool) {
	provider, subject := deriveProviderSubject(userID)
	if subject == "" {
		return "", false
	}
	if cached, ok := s.cache.Load(provider + ":" + subject); ok {
		if stored, ok := cached.(Identity); ok && stored.DisplayName != "" {
			return stored.DisplayName, true
		}
	}
	var stored Identity
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&stored).Error; err != nil || stored.DisplayName == "" {
		return "", false
	}
	return stored.DisplayName, true
}

func withStored(identity auth.Identity, stored Identity) auth.Identity {
	identity.UserID = stored.UserID
	if normalize(identity.Username) == "" {
		identity.Username = stored.DisplayName
	}
	return identity
}

func deriveProviderSubject(userID string) (string, string) {
	raw := normalize(userID)
	if strings.Contains(raw, ":") {
		segments := strings.SplitN(raw, ":", 2)
		if provider, subject := normalize(segments[0]), normalize(segments[1]); provider != "" && subject != "" {
			return provider, subject
		}
	}
	return defaultProvider, raw
}
