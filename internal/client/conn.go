package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientWriteWait = 10 * time.Second

var (
	errMissingURL = errors.New("client: server url required")
	errConnClosed = errors.New("client: connection closed")
	errNilHandler = errors.New("client: event handler required")
)

// DialConfig describes how to reach the realtime endpoint.
type DialConfig struct {
	URL      string
	Token    string
	Username string
	UserID   string
	Logger   *zap.Logger
}

// Conn is a participant websocket. It implements Emitter.
type Conn struct {
	socket *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

var _ Emitter = (*Conn)(nil)

// Dial opens the websocket. Credentials travel as query parameters so that
// browsers and this client authenticate the same way.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	endpoint, err := realtimeURL(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	socket, response, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", cfg.URL, err, response.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}
	logger.Debug("realtime connection established", zap.String("url", cfg.URL))
	return &Conn{socket: socket, logger: logger}, nil
}

func realtimeURL(cfg DialConfig) (string, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return "", errMissingURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("client: parse url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	query := parsed.Query()
	if cfg.Token != "" {
		query.Set("token", cfg.Token)
	}
	if cfg.Username != "" {
		query.Set("username", cfg.Username)
	}
	if cfg.UserID != "" {
		query.Set("userId", cfg.UserID)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Emit writes one client event. Safe for concurrent use.
func (c *Conn) Emit(event protocol.ClientEvent) error {
	payload, err := protocol.Encode(event)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return errConnClosed
	}
	c.socket.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.socket.WriteMessage(websocket.TextMessage, payload)
}

// Run reads server events until the socket closes or ctx is cancelled.
// Frames that fail to decode are logged and skipped.
func (c *Conn) Run(ctx context.Context, handler func(protocol.ServerEvent)) error {
	if handler == nil {
		return errNilHandler
	}
	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer stop()

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		event, err := protocol.DecodeServer(message)
		if err != nil {
			c.logger.Warn("discarding undecodable server frame", zap.Error(err))
			continue
		}
		handler(event)
	}
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.writeMu.Lock()
	deadline := time.Now().Add(clientWriteWait)
	c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.socket.Close()
}

func (c *Conn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
