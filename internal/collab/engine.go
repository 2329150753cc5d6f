// Package collab applies realtime room events against the room state store
// and fans the results out to attached connections.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/auth"
	"github.com/MarcoPoloResearchLab/coderoom/internal/execution"
	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/presence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	"go.uber.org/zap"
)

const (
	defaultMaxChatMessageLength = 2000
	defaultMaxConcurrentRuns    = 4
)

var (
	errMissingStore    = errors.New("room store dependency required")
	errMissingRegistry = errors.New("presence registry dependency required")
)

// Connection is one attached realtime client. Send must not block; it
// reports false when the payload was dropped.
type Connection interface {
	ID() string
	Identity() auth.Identity
	Send(payload []byte) bool
}

// AccessPolicy decides whether an identity may join a room.
type AccessPolicy interface {
	CanJoin(ctx context.Context, roomID string, identity auth.Identity) error
}

// Archive is the durable side of room state.
type Archive interface {
	LoadSeed(ctx context.Context, roomID string) (rooms.Seed, bool, error)
	ArchiveChat(ctx context.Context, roomID, userID string, entry rooms.ChatEntry) error
	SaveSnapshot(ctx context.Context, state rooms.State) error
	RecordExecution(ctx context.Context, record persistence.ExecutionRecord) error
}

// Config wires the engine to its collaborators. Access, Archive and
// Executor are optional.
type Config struct {
	Store                *rooms.Store
	Registry             *presence.Registry
	Access               AccessPolicy
	Archive              Archive
	Executor             execution.Executor
	MaxChatMessageLength int
	MaxConcurrentRuns    int
	Clock                func() time.Time
	Logger               *zap.Logger
}

// Engine owns the realtime semantics of every room.
type Engine struct {
	store          *rooms.Store
	registry       *presence.Registry
	access         AccessPolicy
	archive        Archive
	executor       execution.Executor
	maxChatLength  int
	runSlots       chan struct{}
	clock          func() time.Time
	logger         *zap.Logger
	runContext     context.Context
	cancelRuns     context.CancelFunc
	runs           sync.WaitGroup
	connectionsMu  sync.RWMutex
	connections    map[string]Connection
	snapshotsMu    sync.Mutex
	savedRevisions map[string]int64
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	maxChatLength := cfg.MaxChatMessageLength
	if maxChatLength <= 0 {
		maxChatLength = defaultMaxChatMessageLength
	}
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = defaultMaxConcurrentRuns
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runContext, cancelRuns := context.WithCancel(context.Background())

	return &Engine{
		store:          cfg.Store,
		registry:       cfg.Registry,
		access:         cfg.Access,
		archive:        cfg.Archive,
		executor:       cfg.Executor,
		maxChatLength:  maxChatLength,
		runSlots:       make(chan struct{}, maxRuns),
		clock:          clock,
		logger:         logger,
		runContext:     runContext,
		cancelRuns:     cancelRuns,
		connections:    make(map[string]Connection),
		savedRevisions: make(map[string]int64),
	}, nil
}

// Attach makes conn addressable for fan-out. It does not join any room.
func (e *Engine) Attach(conn Connection) {
	e.connectionsMu.Lock()
	e.connections[conn.ID()] = conn
	e.connectionsMu.Unlock()
	e.logger.Debug("connection attached",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.Identity().UserID),
		zap.String("trust", conn.Identity().Trust.String()))
}

// Detach leaves every room conn joined and forgets it. The remaining
// members of each room receive the updated roster.
func (e *Engine) Detach(conn Connection) {
	for _, roomID := range e.registry.LeaveAll(conn.ID()) {
		e.publishRoster(roomID)
		e.logger.Info("room left",
			zap.String("room_id", roomID),
			zap.String("connection_id", conn.ID()),
			zap.Int("connections", e.registry.Count(roomID)))
	}
	e.connectionsMu.Lock()
	delete(e.connections, conn.ID())
	e.connectionsMu.Unlock()
	e.logger.Debug("connection detached", zap.String("connection_id", conn.ID()))
}

// HandleMessage decodes one raw envelope from conn and applies it. Decode
// failures are reported to conn only.
func (e *Engine) HandleMessage(ctx context.Context, conn Connection, data []byte) {
	event, err := protocol.DecodeClient(data)
	if err != nil {
		code := protocol.CodeInvalidPayload
		if errors.Is(err, protocol.ErrUnknownEvent) {
			code = protocol.CodeUnknownEvent
		}
		e.logger.Info("rejected client event",
			zap.String("connection_id", conn.ID()),
			zap.Error(err))
		e.sendError(conn, code, err.Error())
		return
	}
	e.HandleEvent(ctx, conn, event)
}

// HandleEvent applies a decoded client event on behalf of conn.
func (e *Engine) HandleEvent(ctx context.Context, conn Connection, event protocol.ClientEvent) {
	switch typed := event.(type) {
	case protocol.JoinRoom:
		e.handleJoin(ctx, conn, typed)
	case protocol.LeaveRoom:
		e.handleLeave(conn, typed)
	case protocol.CodeChange:
		e.handleCodeChange(conn, typed)
	case protocol.CursorMove:
		e.handleCursorMove(conn, typed)
	case protocol.LanguageChange:
		e.handleLanguageChange(conn, typed)
	case protocol.ChatSend:
		e.handleChatSend(ctx, conn, typed)
	case protocol.TypingChange:
		e.handleTyping(conn, typed)
	case protocol.CodeRun:
		e.handleCodeRun(conn, typed)
	default:
		e.sendError(conn, protocol.CodeUnknownEvent, "unsupported event")
	}
}

// Stats summarizes resident rooms and attached connections. Members counts
// the connections that have joined at least one room.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Members     int `json:"members"`
}

func (e *Engine) Stats() Stats {
	e.connectionsMu.RLock()
	connections := len(e.connections)
	e.connectionsMu.RUnlock()
	return Stats{
		Rooms:       e.store.Len(),
		Connections: connections,
		Members:     e.registry.ConnectionCount(),
	}
}

// Participants returns the number of connections attached to roomID.
func (e *Engine) Participants(roomID string) int {
	return e.registry.Count(rooms.NormalizeRoomID(roomID))
}

// Shutdown cancels in-flight executions and waits for them to finish or
// for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancelRuns()
	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) connection(connectionID string) (Connection, bool) {
	e.connectionsMu.RLock()
	defer e.connectionsMu.RUnlock()
	conn, ok := e.connections[connectionID]
	return conn, ok
}

// publish encodes event once and sends it to every member of roomID except
// the connection with excludeID.
func (e *Engine) publish(roomID string, event protocol.ServerEvent, excludeID string) {
	payload, err := protocol.Encode(event)
	if err != nil {
		e.logger.Error("failed to encode server event",
			zap.String("room_id", roomID),
			zap.String("event", string(event.EventType())),
			zap.Error(err))
		return
	}
	for _, member := range e.registry.Members(roomID) {
		if member.ConnectionID == excludeID {
			continue
		}
		conn, ok := e.connection(member.ConnectionID)
		if !ok {
			continue
		}
		e.deliver(conn, roomID, event.EventType(), payload)
	}
}

func (e *Engine) send(conn Connection, roomID string, event protocol.ServerEvent) {
	payload, err := protocol.Encode(event)
	if err != nil {
		e.logger.Error("failed to encode server event",
			zap.String("room_id", roomID),
			zap.String("event", string(event.EventType())),
			zap.Error(err))
		return
	}
	e.deliver(conn, roomID, event.EventType(), payload)
}

func (e *Engine) deliver(conn Connection, roomID string, eventType protocol.EventType, payload []byte) {
	if conn.Send(payload) {
		return
	}
	e.logger.Warn("dropped realtime event",
		zap.String("room_id", roomID),
		zap.String("connection_id", conn.ID()),
		zap.String("event", string(eventType)))
}

func (e *Engine) sendError(conn Connection, code, message string) {
	e.send(conn, "", protocol.ErrorEvent{Message: message, Code: code})
}

func (e *Engine) rosterEvent(roomID string) protocol.RosterUpdate {
	roster := e.registry.Roster(roomID)
	users := make([]protocol.Participant, 0, len(roster))
	for _, entry := range roster {
		users = append(users, protocol.Participant{UserID: entry.UserID, Username: entry.Username})
	}
	return protocol.RosterUpdate{RoomID: roomID, Users: users}
}

func snapshotEvent(state rooms.State) protocol.RoomSnapshot {
	chatLog := make([]protocol.ChatLine, 0, len(state.ChatLog))
	for _, entry := range state.ChatLog {
		chatLog = append(chatLog, protocol.ChatLine{
			Username: entry.Username,
			Message:  entry.Message,
			At:       entry.SentAt,
		})
	}
	return protocol.RoomSnapshot{
		RoomID:   state.RoomID,
		Code:     state.Code,
		Language: state.Language,
		ChatLog:  chatLog,
	}
}
