package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	ErrUnknownEvent      = errors.New("protocol: unknown event")
	ErrInvalidPayload    = errors.New("protocol: invalid payload")
	ErrMissingRoomID     = errors.New("protocol: roomId required")
)

// Envelope is the wire frame of every event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serialises event inside its tagged envelope.
func Encode(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidPayload)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event.EventType(), Payload: payload})
}

// DecodeClient parses a frame sent by a participant.
func DecodeClient(data []byte) (ClientEvent, error) {
	envelope, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	var event ClientEvent
	switch envelope.Type {
	case EventRoomJoin:
		var payload JoinRoom
		err = decodePayload(envelope, &payload)
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		event = payload
	case EventRoomLeave:
		var payload LeaveRoom
		err = decodePayload(envelope, &payload)
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		event = payload
	case EventCodeChange:
		var payload CodeChange
		err = decodePayload(envelope, &payload)
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		event = payload
	case EventCursorMove:
		var payload CursorMove
		err = decodePayload(envelope, &payload)
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		event = payload
	case EventLanguageChange:
		var payload LanguageChange
		err = decodePayload(envelope, &payload)
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		payload.Language = strings.TrimSpace(payload.Language)
		event = payload
	case EventChatSend:
		var payload ChatSend
		err = decodePayload(envelope, &payload)
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		event = payload
	case EventTyping:
		var payload TypingChange
		err = decodePayload(envelope, &payload)
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		event = payload
	case EventCodeRun:
		var payload struct {
			CodeRun
			Input string `json:"input"`
		}
		err = decodePayload(envelope, &payload)
		run := payload.CodeRun
		run.RoomID = strings.TrimSpace(run.RoomID)
		run.Language = strings.TrimSpace(run.Language)
		if run.Stdin == "" {
			run.Stdin = payload.Input
		}
		event = run
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}
	if err != nil {
		return nil, err
	}
	if event.Room() == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRoomID, envelope.Type)
	}
	return event, nil
}

// DecodeServer parses a frame emitted by the server.
func DecodeServer(data []byte) (ServerEvent, error) {
	envelope, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	var event ServerEvent
	switch envelope.Type {
	case EventRoomUsers:
		var payload RosterUpdate
		err = decodePayload(envelope, &payload)
		event = payload
	case EventRoomState:
		var payload RoomSnapshot
		err = decodePayload(envelope, &payload)
		event = payload
	case EventCodeUpdate:
		var payload CodeUpdate
		err = decodePayload(envelope, &payload)
		event = payload
	case EventCursorUpdate:
		var payload CursorUpdate
		err = decodePayload(envelope, &payload)
		event = payload
	case EventLanguageUpdate:
		var payload LanguageUpdate
		err = decodePayload(envelope, &payload)
		event = payload
	case EventChatNew:
		var payload ChatNew
		err = decodePayload(envelope, &payload)
		event = payload
	case EventTyping:
		var payload TypingUpdate
		err = decodePayload(envelope, &payload)
		event = payload
	case EventCodeOutput:
		var payload ExecutionOutput
		err = decodePayload(envelope, &payload)
		event = payload
	case EventError:
		var payload ErrorEvent
		err = decodePayload(envelope, &payload)
		event = payload
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return envelope, nil
}

func decodePayload(envelope Envelope, target interface{}) error {
	if len(envelope.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidPayload, envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, envelope.Type, err)
	}
	return nil
}
