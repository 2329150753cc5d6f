package collab

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/presence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	"go.uber.org/zap"
)

// A room can be evicted between allocation and registration; joins retry
// against a fresh allocation this many times.
const joinAttempts = 3

func (e *Engine) handleJoin(ctx context.Context, conn Connection, event protocol.JoinRoom) {
	roomID := rooms.NormalizeRoomID(event.RoomID)
	identity := conn.Identity()
	logger := e.logger.With(zap.String("room_id", roomID), zap.String("connection_id", conn.ID()))

	if e.access != nil {
		if err := e.access.CanJoin(ctx, roomID, identity); err != nil {
			if errors.Is(err, persistence.ErrAccessDenied) {
				logger.Info("room join refused", zap.String("user_id", identity.UserID))
				e.sendError(conn, protocol.CodeAccessDenied, "you do not have access to this room")
				return
			}
			logger.Error("room access check failed", zap.Error(err))
			e.sendError(conn, protocol.CodeInternal, "unable to join room")
			return
		}
	}

	participant := presence.Participant{
		ConnectionID: conn.ID(),
		UserID:       identity.UserID,
		Username:     identity.Username,
	}
	for attempt := 0; attempt < joinAttempts; attempt++ {
		if err := e.ensureRoom(ctx, roomID); err != nil {
			logger.Info("room allocation rejected", zap.Error(err))
			e.sendError(conn, protocol.CodeInvalidPayload, err.Error())
			return
		}
		err := e.store.Within(roomID, func(state rooms.State) {
			e.registry.Join(roomID, participant)
			e.send(conn, roomID, snapshotEvent(state))
			e.publish(roomID, e.rosterEvent(roomID), "")
		})
		if err == nil {
			logger.Info("room joined",
				zap.String("user_id", identity.UserID),
				zap.Int("connections", e.registry.Count(roomID)))
			return
		}
		if !errors.Is(err, rooms.ErrRoomNotFound) {
			logger.Error("room join failed", zap.Error(err))
			e.sendError(conn, protocol.CodeInternal, "unable to join room")
			return
		}
	}
	e.sendError(conn, protocol.CodeRoomNotFound, "room is not available")
}

// ensureRoom allocates roomID, restoring it from the archive when one is
// configured.
func (e *Engine) ensureRoom(ctx context.Context, roomID string) error {
	if e.store.Exists(roomID) {
		return nil
	}
	seed := rooms.Seed{}
	if e.archive != nil {
		loaded, found, err := e.archive.LoadSeed(ctx, roomID)
		switch {
		case err != nil:
			e.logger.Warn("failed to restore room, starting empty",
				zap.String("room_id", roomID),
				zap.Error(err))
		case found:
			seed = loaded
		}
	}
	state, created, err := e.store.EnsureSeeded(roomID, seed)
	if err != nil {
		return err
	}
	if created {
		e.markSaved(roomID, state.Revision)
		e.logger.Info("room allocated",
			zap.String("room_id", roomID),
			zap.String("language", state.Language),
			zap.Int("chat_messages", len(state.ChatLog)))
	}
	return nil
}

func (e *Engine) handleLeave(conn Connection, event protocol.LeaveRoom) {
	roomID := rooms.NormalizeRoomID(event.RoomID)
	if !e.registry.IsMember(roomID, conn.ID()) {
		return
	}
	e.leave(conn, roomID)
}

// leave detaches conn from roomID and rebroadcasts the roster. The roster
// broadcast is ordered with room mutations when the room is resident.
func (e *Engine) leave(conn Connection, roomID string) {
	err := e.store.Within(roomID, func(rooms.State) {
		if e.registry.Leave(roomID, conn.ID()) {
			e.publish(roomID, e.rosterEvent(roomID), "")
		}
	})
	if errors.Is(err, rooms.ErrRoomNotFound) && e.registry.Leave(roomID, conn.ID()) {
		e.publish(roomID, e.rosterEvent(roomID), "")
	}
	e.logger.Info("room left",
		zap.String("room_id", roomID),
		zap.String("connection_id", conn.ID()),
		zap.Int("connections", e.registry.Count(roomID)))
}

// publishRoster sends the current roster of roomID to its members, in
// order with room mutations when the room is resident.
func (e *Engine) publishRoster(roomID string) {
	err := e.store.Within(roomID, func(rooms.State) {
		e.publish(roomID, e.rosterEvent(roomID), "")
	})
	if errors.Is(err, rooms.ErrRoomNotFound) {
		e.publish(roomID, e.rosterEvent(roomID), "")
	}
}

// authorizeMember resolves the room of a room-scoped event and checks
// that conn has joined it. Failures are reported to conn only.
func (e *Engine) authorizeMember(conn Connection, rawRoomID string, eventType protocol.EventType) (string, bool) {
	roomID := rooms.NormalizeRoomID(rawRoomID)
	if !e.store.Exists(roomID) {
		e.logger.Info("event for unknown room",
			zap.String("room_id", roomID),
			zap.String("connection_id", conn.ID()),
			zap.String("event", string(eventType)))
		e.sendError(conn, protocol.CodeRoomNotFound, "room not found")
		return "", false
	}
	if !e.registry.IsMember(roomID, conn.ID()) {
		e.logger.Info("event from non-member",
			zap.String("room_id", roomID),
			zap.String("connection_id", conn.ID()),
			zap.String("event", string(eventType)))
		e.sendError(conn, protocol.CodeAccessDenied, "join the room first")
		return "", false
	}
	return roomID, true
}

func (e *Engine) handleCodeChange(conn Connection, event protocol.CodeChange) {
	roomID, ok := e.authorizeMember(conn, event.RoomID, event.EventType())
	if !ok {
		return
	}
	userID := conn.Identity().UserID
	_, err := e.store.ApplyCodeChange(roomID, event.Code, func(state rooms.State) {
		e.publish(roomID, protocol.CodeUpdate{RoomID: roomID, Code: state.Code, UserID: userID}, conn.ID())
	})
	if err != nil {
		e.reportMutationError(conn, roomID, event.EventType(), err)
	}
}

func (e *Engine) handleLanguageChange(conn Connection, event protocol.LanguageChange) {
	roomID, ok := e.authorizeMember(conn, event.RoomID, event.EventType())
	if !ok {
		return
	}
	identity := conn.Identity()
	_, err := e.store.ApplyLanguageChange(roomID, event.Language, func(state rooms.State) {
		e.publish(roomID, protocol.LanguageUpdate{
			RoomID:   roomID,
			Language: state.Language,
			UserID:   identity.UserID,
			Username: identity.Username,
		}, "")
	})
	if err != nil {
		e.reportMutationError(conn, roomID, event.EventType(), err)
	}
}

func (e *Engine) handleChatSend(ctx context.Context, conn Connection, event protocol.ChatSend) {
	roomID, ok := e.authorizeMember(conn, event.RoomID, event.EventType())
	if !ok {
		return
	}
	message := strings.TrimSpace(event.Message)
	if message == "" {
		e.sendError(conn, protocol.CodeInvalidMessage, "message is empty")
		return
	}
	if utf8.RuneCountInString(message) > e.maxChatLength {
		e.sendError(conn, protocol.CodeInvalidMessage, "message is too long")
		return
	}

	identity := conn.Identity()
	var appended rooms.ChatEntry
	_, err := e.store.AppendChat(roomID, rooms.ChatEntry{
		Username: identity.Username,
		Message:  message,
	}, func(state rooms.State) {
		appended = state.ChatLog[len(state.ChatLog)-1]
		e.publish(roomID, protocol.ChatNew{
			RoomID:   roomID,
			Message:  appended.Message,
			Username: appended.Username,
			At:       appended.SentAt,
		}, "")
	})
	if err != nil {
		e.reportMutationError(conn, roomID, event.EventType(), err)
		return
	}

	if e.archive == nil {
		return
	}
	if err := e.archive.ArchiveChat(ctx, roomID, identity.UserID, appended); err != nil {
		e.logger.Warn("failed to archive chat message",
			zap.String("room_id", roomID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
	}
}

func (e *Engine) handleCursorMove(conn Connection, event protocol.CursorMove) {
	roomID, ok := e.authorizeMember(conn, event.RoomID, event.EventType())
	if !ok {
		return
	}
	identity := conn.Identity()
	e.publish(roomID, protocol.CursorUpdate{
		RoomID:   roomID,
		UserID:   identity.UserID,
		Username: identity.Username,
		Position: event.Position,
		Color:    presence.ColorFor(identity.UserID),
	}, conn.ID())
}

func (e *Engine) handleTyping(conn Connection, event protocol.TypingChange) {
	roomID, ok := e.authorizeMember(conn, event.RoomID, event.EventType())
	if !ok {
		return
	}
	identity := conn.Identity()
	e.publish(roomID, protocol.TypingUpdate{
		RoomID:   roomID,
		UserID:   identity.UserID,
		Username: identity.Username,
		IsTyping: event.IsTyping,
	}, conn.ID())
}

func (e *Engine) reportMutationError(conn Connection, roomID string, eventType protocol.EventType, err error) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		e.sendError(conn, protocol.CodeRoomNotFound, "room not found")
	case errors.Is(err, rooms.ErrInvalidLanguage):
		e.sendError(conn, protocol.CodeInvalidLanguage, "language is required")
	default:
		e.logger.Error("room mutation failed",
			zap.String("room_id", roomID),
			zap.String("connection_id", conn.ID()),
			zap.String("event", string(eventType)),
			zap.Error(err))
		e.sendError(conn, protocol.CodeInternal, "unable to apply change")
	}
}
