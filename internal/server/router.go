package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/auth"
	"github.com/MarcoPoloResearchLab/coderoom/internal/collab"
	"github.com/MarcoPoloResearchLab/coderoom/internal/ids"
	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey     = "coderoom_identity"
	defaultExecutionsLimit = 50
	maxExecutionsLimit     = 200
)

var (
	errMissingEngine        = errors.New("collaboration engine dependency required")
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingRoomService   = errors.New("room service dependency required")
	errMissingIDProvider    = errors.New("connection id provider dependency required")
	errVerifiedIdentity     = errors.New("verified identity required")
)

// RoomService is the durable room API exposed over REST.
type RoomService interface {
	CreateRoom(ctx context.Context, request persistence.CreateRoomRequest) (persistence.RoomRecord, error)
	GetRoom(ctx context.Context, roomID string) (persistence.RoomRecord, error)
	AddCollaborator(ctx context.Context, roomID, actorID, userID string) error
	CheckAccess(ctx context.Context, roomID, userID string) error
	ListExecutions(ctx context.Context, roomID string, limit int) ([]persistence.ExecutionRecord, error)
	ListCollaborators(ctx context.Context, roomID string) ([]persistence.CollaboratorRecord, error)
}

// UserDirectory resolves stored display names for collaborator listings.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, bool)
}

type Dependencies struct {
	Engine         *collab.Engine
	Authenticator  *auth.Authenticator
	Rooms          RoomService
	Directory      UserDirectory
	IDProvider     ids.Provider
	AllowedOrigins []string
	CookieName     string
	Realtime       RealtimeConfig
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomService
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:        deps.Engine,
		authenticator: deps.Authenticator,
		rooms:         deps.Rooms,
		directory:     deps.Directory,
		ids:           deps.IDProvider,
		cookieName:    deps.CookieName,
		realtime:      deps.Realtime.withDefaults(),
		upgrader:      newUpgrader(deps.AllowedOrigins),
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/api/stats", handler.handleStats)
	router.GET("/ws", handler.handleRealtime)

	roomsGroup := router.Group("/api/rooms")
	roomsGroup.Use(handler.resolveIdentity)
	roomsGroup.POST("", handler.requireVerified, handler.handleCreateRoom)
	roomsGroup.GET("/:roomId", handler.handleGetRoom)
	roomsGroup.GET("/:roomId/collaborators", handler.requireVerified, handler.handleListCollaborators)
	roomsGroup.POST("/:roomId/collaborators", handler.requireVerified, handler.handleAddCollaborator)
	roomsGroup.GET("/:roomId/executions", handler.requireVerified, handler.handleListExecutions)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	engine        *collab.Engine
	authenticator *auth.Authenticator
	rooms         RoomService
	directory     UserDirectory
	ids           ids.Provider
	cookieName    string
	realtime      RealtimeConfig
	upgrader      *websocket.Upgrader
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

type createRoomPayload struct {
	Name     string `json:"name" binding:"required"`
	Language string `json:"language"`
	IsPublic bool   `json:"isPublic"`
}

type roomResponsePayload struct {
	persistence.RoomRecord
	Participants int `json:"participants"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	identity := identityFromContext(c)

	var request createRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.rooms.CreateRoom(c.Request.Context(), persistence.CreateRoomRequest{
		Name:     request.Name,
		Language: request.Language,
		IsPublic: request.IsPublic,
		OwnerID:  identity.UserID,
	})
	if err != nil {
		h.logger.Error("failed to create room", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_create_failed"})
		return
	}
	h.logger.Info("room created",
		zap.String("room_id", record.RoomID),
		zap.String("user_id", identity.UserID),
		zap.Bool("is_public", record.IsPublic))
	c.JSON(http.StatusCreated, roomResponsePayload{RoomRecord: record})
}

func (h *httpHandler) handleGetRoom(c *gin.Context) {
	roomID := rooms.NormalizeRoomID(c.Param("roomId"))
	if !rooms.ValidRoomID(roomID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	record, err := h.rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		h.writeRoomError(c, roomID, err)
		return
	}
	if !record.IsPublic {
		identity := identityFromContext(c)
		if !identity.Verified() {
			c.JSON(http.StatusUnauthorized, gin.H{"error": errVerifiedIdentity.Error()})
			return
		}
		if err := h.rooms.CheckAccess(c.Request.Context(), roomID, identity.UserID); err != nil {
			h.writeRoomError(c, roomID, err)
			return
		}
	}
	c.JSON(http.StatusOK, roomResponsePayload{
		RoomRecord:   record,
		Participants: h.engine.Participants(roomID),
	})
}

type collaboratorPayload struct {
	UserID string `json:"userId" binding:"required"`
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	roomID := rooms.NormalizeRoomID(c.Param("roomId"))
	identity := identityFromContext(c)

	var request collaboratorPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.rooms.AddCollaborator(c.Request.Context(), roomID, identity.UserID, request.UserID); err != nil {
		h.writeRoomError(c, roomID, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type collaboratorResponsePayload struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username,omitempty"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (h *httpHandler) handleListCollaborators(c *gin.Context) {
	roomID := rooms.NormalizeRoomID(c.Param("roomId"))
	identity := identityFromContext(c)
	ctx := c.Request.Context()

	if err := h.rooms.CheckAccess(ctx, roomID, identity.UserID); err != nil {
		h.writeRoomError(c, roomID, err)
		return
	}
	records, err := h.rooms.ListCollaborators(ctx, roomID)
	if err != nil {
		h.writeRoomError(c, roomID, err)
		return
	}
	collaborators := make([]collaboratorResponsePayload, 0, len(records))
	for _, record := range records {
		payload := collaboratorResponsePayload{
			UserID:   record.UserID,
			Role:     record.Role,
			JoinedAt: record.JoinedAt,
		}
		if h.directory != nil {
			if name, ok := h.directory.DisplayName(ctx, record.UserID); ok {
				payload.Username = name
			}
		}
		collaborators = append(collaborators, payload)
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": collaborators})
}

func (h *httpHandler) handleListExecutions(c *gin.Context) {
	roomID := rooms.NormalizeRoomID(c.Param("roomId"))
	identity := identityFromContext(c)

	if err := h.rooms.CheckAccess(c.Request.Context(), roomID, identity.UserID); err != nil {
		h.writeRoomError(c, roomID, err)
		return
	}
	limit := defaultExecutionsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxExecutionsLimit)
	}
	records, err := h.rooms.ListExecutions(c.Request.Context(), roomID, limit)
	if err != nil {
		h.writeRoomError(c, roomID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": records})
}

func (h *httpHandler) writeRoomError(c *gin.Context, roomID string, err error) {
	switch {
	case errors.Is(err, persistence.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
	case errors.Is(err, persistence.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
	default:
		h.logger.Error("room request failed", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// resolveIdentity binds the request identity. It never rejects; routes
// that need a verified identity add requireVerified.
func (h *httpHandler) resolveIdentity(c *gin.Context) {
	identity := h.authenticator.AuthenticateRequest(c.Request, h.cookieName)
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) requireVerified(c *gin.Context) {
	if !identityFromContext(c).Satisfies(auth.TrustVerified) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errVerifiedIdentity.Error()})
		return
	}
	c.Next()
}

func identityFromContext(c *gin.Context) auth.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}
	}
	identity, _ := value.(auth.Identity)
	return identity
}
