package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/auth"
	"github.com/MarcoPoloResearchLab/coderoom/internal/collab"
	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendBuffer        = 256
	defaultMaxMessageBytes   = 1024 * 1024
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200
	maxRateViolations        = 1000
)

// RealtimeConfig bounds each websocket connection.
type RealtimeConfig struct {
	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = defaultMessageBurst
	}
	return c
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	anyOrigin := allowsAnyOrigin(allowedOrigins)
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(strings.TrimSpace(origin), "/")] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if anyOrigin {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			_, ok := allowed[parsed.Scheme+"://"+parsed.Host]
			return ok
		},
	}
}

// realtimeConnection adapts one websocket to collab.Connection. Outbound
// frames go through a bounded queue drained by writePump.
type realtimeConnection struct {
	id       string
	identity auth.Identity
	socket   *websocket.Conn
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	send   chan []byte
}

var _ collab.Connection = (*realtimeConnection)(nil)

func (c *realtimeConnection) ID() string {
	return c.id
}

func (c *realtimeConnection) Identity() auth.Identity {
	return c.identity
}

// Send enqueues payload without blocking. A full queue drops the payload.
func (c *realtimeConnection) Send(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *realtimeConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	connectionID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to allocate connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_failed"})
		return
	}

	handshake := auth.HandshakeFromRequest(c.Request, h.cookieName)
	handshake.ConnectionID = connectionID
	identity := h.authenticator.Authenticate(c.Request.Context(), handshake)

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}

	conn := &realtimeConnection{
		id:       connectionID,
		identity: identity,
		socket:   socket,
		limiter:  rate.NewLimiter(rate.Limit(h.realtime.MessagesPerSecond), h.realtime.MessageBurst),
		logger:   h.logger.With(zap.String("connection_id", connectionID), zap.String("user_id", identity.UserID)),
		send:     make(chan []byte, h.realtime.SendBuffer),
	}
	conn.logger.Info("realtime connection opened",
		zap.String("username", identity.Username),
		zap.String("trust", identity.Trust.String()))

	h.engine.Attach(conn)
	go conn.writePump()
	conn.readPump(h.engine, h.realtime.MaxMessageBytes)
}

func (c *realtimeConnection) readPump(engine *collab.Engine, maxMessageBytes int64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		engine.Detach(c)
		c.close()
		c.socket.Close()
		c.logger.Info("realtime connection closed")
	}()

	c.socket.SetReadLimit(maxMessageBytes)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0
	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.logger.Warn("rate limit exceeded", zap.Int("violations", violations))
				c.rejectRateLimited()
			}
			if violations > maxRateViolations {
				c.logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		engine.HandleMessage(ctx, c, message)
	}
}

func (c *realtimeConnection) rejectRateLimited() {
	payload, err := protocol.Encode(protocol.ErrorEvent{
		Message: "too many messages, slow down",
		Code:    protocol.CodeRateLimited,
	})
	if err != nil {
		return
	}
	c.Send(payload)
}

func (c *realtimeConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			writer, err := c.socket.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug("websocket writer unavailable", zap.Error(err))
				return
			}
			writer.Write(message)
			if err := writer.Close(); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
