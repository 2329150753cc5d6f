package rooms

import (
	"strings"
	"time"
)

// DefaultLanguage is the language assigned to freshly allocated rooms.
const DefaultLanguage = "javascript"

// ChatEntry is one accepted chat message. Sequence is the room revision
// the message was appended at and orders the log across restarts.
type ChatEntry struct {
	Username string    `json:"username"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"at"`
	Sequence int64     `json:"sequence"`
}

// State is the authoritative shared state of one room.
type State struct {
	RoomID       string
	Code         string
	Language     string
	ChatLog      []ChatEntry
	Revision     int64
	LastActivity time.Time
}

// Seed is the initial content for a room restored from durable storage.
// Revision continues the counter of the stored snapshot.
type Seed struct {
	Code     string
	Language string
	ChatLog  []ChatEntry
	Revision int64
}

func (s State) clone() State {
	copied := s
	copied.ChatLog = append([]ChatEntry(nil), s.ChatLog...)
	return copied
}

// PlaceholderCode returns the starter comment shown for a language.
func PlaceholderCode(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "python", "java", "c", "cpp":
		return "# Start coding..."
	case "html":
		return "<!-- Start coding... -->"
	case "css":
		return "/* Start coding... */"
	default:
		return "// Start coding..."
	}
}

func defaultState(roomID string, now time.Time) State {
	return State{
		RoomID:       roomID,
		Code:         PlaceholderCode(DefaultLanguage),
		Language:     DefaultLanguage,
		ChatLog:      []ChatEntry{},
		LastActivity: now,
	}
}

func seededState(roomID string, seed Seed, now time.Time) State {
	state := defaultState(roomID, now)
	if language := strings.TrimSpace(seed.Language); language != "" {
		state.Language = language
		state.Code = PlaceholderCode(language)
	}
	if seed.Code != "" {
		state.Code = seed.Code
	}
	if len(seed.ChatLog) > 0 {
		state.ChatLog = append(state.ChatLog, seed.ChatLog...)
	}
	state.Revision = seed.Revision
	return state
}
