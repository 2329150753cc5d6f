package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/auth"
	"github.com/MarcoPoloResearchLab/coderoom/internal/collab"
	"github.com/MarcoPoloResearchLab/coderoom/internal/database"
	"github.com/MarcoPoloResearchLab/coderoom/internal/ids"
	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/presence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	"github.com/MarcoPoloResearchLab/coderoom/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "coderoom-auth"
	testAudience      = "coderoom-api"
	testCookieName    = "app_session"
)

type testStack struct {
	handler  *httpHandler
	engine   *collab.Engine
	rooms    *persistence.Service
	issuer   *auth.TokenIssuer
	registry *presence.Registry
	deps     Dependencies
}

type stackOption func(*Dependencies, *collab.Config)

func newTestStack(t *testing.T, logger *zap.Logger, options ...stackOption) testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	roomService, err := persistence.NewService(persistence.ServiceConfig{
		Database:   db,
		IDProvider: ids.NewSequenceProvider("record"),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct room service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	resolver, err := auth.NewVerifiedResolver(auth.VerifiedResolverConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Resolver: resolver,
		Profiles: userService,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	registry := presence.NewRegistry()
	engineConfig := collab.Config{
		Store:    rooms.NewStore(nil),
		Registry: registry,
		Access:   roomService,
		Archive:  roomService,
		Logger:   logger,
	}
	deps := Dependencies{
		Authenticator:  authenticator,
		Rooms:          roomService,
		Directory:      userService,
		IDProvider:     ids.NewSequenceProvider("conn"),
		AllowedOrigins: []string{"*"},
		CookieName:     testCookieName,
		Logger:         logger,
	}
	for _, option := range options {
		option(&deps, &engineConfig)
	}

	engine, err := collab.NewEngine(engineConfig)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	deps.Engine = engine

	return testStack{
		handler: &httpHandler{
			engine:        engine,
			authenticator: authenticator,
			rooms:         roomService,
			directory:     deps.Directory,
			ids:           deps.IDProvider,
			cookieName:    deps.CookieName,
			realtime:      deps.Realtime.withDefaults(),
			upgrader:      newUpgrader(deps.AllowedOrigins),
			logger:        logger,
		},
		engine:   engine,
		rooms:    roomService,
		issuer:   issuer,
		registry: registry,
		deps:     deps,
	}
}

func (s testStack) router(t *testing.T) *gin.Engine {
	t.Helper()
	handler, err := NewHTTPHandler(s.deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler.(*gin.Engine)
}

func (s testStack) token(t *testing.T, userID, username string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), userID, username)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}
