// Package protocol defines the realtime event schema exchanged over the
// room websocket. Every event is a tagged variant: a JSON envelope carrying
// the tag in "type" and the variant body in "payload".
package protocol

import "time"

// EventType is the tag of an event variant.
type EventType string

const (
	EventRoomJoin       EventType = "room:join"
	EventRoomLeave      EventType = "room:leave"
	EventRoomUsers      EventType = "room:users"
	EventRoomState      EventType = "room:state"
	EventCodeChange     EventType = "code:change"
	EventCodeUpdate     EventType = "code:update"
	EventCursorMove     EventType = "cursor:move"
	EventCursorUpdate   EventType = "cursor:update"
	EventLanguageChange EventType = "language:change"
	EventLanguageUpdate EventType = "language:update"
	EventChatSend       EventType = "chat:send"
	EventChatNew        EventType = "chat:new"
	EventTyping         EventType = "user:typing"
	EventCodeRun        EventType = "code:run"
	EventCodeOutput     EventType = "code:output"
	EventError          EventType = "error"
)

// Error codes carried by ErrorEvent.
const (
	CodeInvalidPayload       = "invalid_payload"
	CodeUnknownEvent         = "unknown_event"
	CodeRoomNotFound         = "room_not_found"
	CodeAccessDenied         = "access_denied"
	CodeInvalidMessage       = "invalid_message"
	CodeInvalidLanguage      = "invalid_language"
	CodeExecutionUnavailable = "execution_unavailable"
	CodeExecutionBusy        = "execution_busy"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal_error"
)

// Event is implemented by every variant.
type Event interface {
	EventType() EventType
}

// ClientEvent is an event sent by a participant. Every client event is
// scoped to one room.
type ClientEvent interface {
	Event
	Room() string
}

// ServerEvent is an event emitted by the server.
type ServerEvent interface {
	Event
	serverEvent()
}

// Position is a caret location in the shared buffer.
type Position struct {
	Line   int `json:"lineNumber"`
	Column int `json:"column"`
}

// Participant is one de-duplicated roster entry.
type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ChatLine is one chat log entry inside a room snapshot.
type ChatLine struct {
	Username string    `json:"username"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type CodeChange struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

type CursorMove struct {
	RoomID   string   `json:"roomId"`
	Position Position `json:"position"`
}

type LanguageChange struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

// ChatSend carries a chat message. Username is informational; the server
// attributes messages to the connection identity.
type ChatSend struct {
	RoomID   string `json:"roomId"`
	Message  string `json:"message"`
	Username string `json:"username,omitempty"`
}

type TypingChange struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type CodeRun struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
}

func (JoinRoom) EventType() EventType       { return EventRoomJoin }
func (LeaveRoom) EventType() EventType      { return EventRoomLeave }
func (CodeChange) EventType() EventType     { return EventCodeChange }
func (CursorMove) EventType() EventType     { return EventCursorMove }
func (LanguageChange) EventType() EventType { return EventLanguageChange }
func (ChatSend) EventType() EventType       { return EventChatSend }
func (TypingChange) EventType() EventType   { return EventTyping }
func (CodeRun) EventType() EventType        { return EventCodeRun }

func (e JoinRoom) Room() string       { return e.RoomID }
func (e LeaveRoom) Room() string      { return e.RoomID }
func (e CodeChange) Room() string     { return e.RoomID }
func (e CursorMove) Room() string     { return e.RoomID }
func (e LanguageChange) Room() string { return e.RoomID }
func (e ChatSend) Room() string       { return e.RoomID }
func (e TypingChange) Room() string   { return e.RoomID }
func (e CodeRun) Room() string        { return e.RoomID }

// RosterUpdate replaces the receiver's roster for the room.
type RosterUpdate struct {
	RoomID string        `json:"roomId"`
	Users  []Participant `json:"users"`
}

// RoomSnapshot is sent once to a joining connection.
type RoomSnapshot struct {
	RoomID   string     `json:"roomId"`
	Code     string     `json:"code"`
	Language string     `json:"language"`
	ChatLog  []ChatLine `json:"chatLog"`
}

type CodeUpdate struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
	UserID string `json:"userId"`
}

type CursorUpdate struct {
	RoomID   string   `json:"roomId"`
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Position Position `json:"position"`
	Color    string   `json:"color"`
}

type LanguageUpdate struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type ChatNew struct {
	RoomID   string    `json:"roomId"`
	Message  string    `json:"message"`
	Username string    `json:"username"`
	At       time.Time `json:"at"`
}

type TypingUpdate struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ExecutionOutput is the room-wide result of a code run. IsError marks
// failed or timed out executions.
type ExecutionOutput struct {
	RoomID    string    `json:"roomId"`
	Username  string    `json:"username"`
	Language  string    `json:"language"`
	Output    string    `json:"output"`
	Stderr    string    `json:"stderr,omitempty"`
	ExitCode  int       `json:"exitCode"`
	IsError   bool      `json:"isError"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a non-fatal failure to a single connection.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (RosterUpdate) EventType() EventType    { return EventRoomUsers }
func (RoomSnapshot) EventType() EventType    { return EventRoomState }
func (CodeUpdate) EventType() EventType      { return EventCodeUpdate }
func (CursorUpdate) EventType() EventType    { return EventCursorUpdate }
func (LanguageUpdate) EventType() EventType  { return EventLanguageUpdate }
func (ChatNew) EventType() EventType         { return EventChatNew }
func (TypingUpdate) EventType() EventType    { return EventTyping }
func (ExecutionOutput) EventType() EventType { return EventCodeOutput }
func (ErrorEvent) EventType() EventType      { return EventError }

func (RosterUpdate) serverEvent()    {}
func (RoomSnapshot) serverEvent()    {}
func (CodeUpdate) serverEvent()      {}
func (CursorUpdate) serverEvent()    {}
func (LanguageUpdate) serverEvent()  {}
func (ChatNew) serverEvent()         {}
func (TypingUpdate) serverEvent()    {}
func (ExecutionOutput) serverEvent() {}
func (ErrorEvent) serverEvent()      {}
