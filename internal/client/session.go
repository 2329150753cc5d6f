// Package client is the participant side of a room: it keeps a local
// projection of room state built from server events and paces outbound
// edits the way the browser editor does.
package client

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
	"go.uber.org/zap"
)

const (
	DefaultEditDebounce  = 400 * time.Millisecond
	DefaultTypingTimeout = 3 * time.Second
)

var (
	errMissingEmitter = errors.New("client: emitter required")
	errMissingRoomID  = errors.New("client: room id required")
)

// Emitter delivers client events to the server.
type Emitter interface {
	Emit(event protocol.ClientEvent) error
}

// CursorState is the last known caret of a remote participant.
type CursorState struct {
	Username string
	Position protocol.Position
	Color    string
}

// View is a point-in-time copy of the session projection.
type View struct {
	RoomID    string
	Code      string
	Language  string
	Roster    []protocol.Participant
	Cursors   map[string]CursorState
	Typing    []string
	ChatLog   []protocol.ChatLine
	Outputs   []protocol.ExecutionOutput
	LastError *protocol.ErrorEvent
	Joined    bool
}

// SessionConfig wires a Session.
type SessionConfig struct {
	RoomID        string
	UserID        string
	Emitter       Emitter
	Scheduler     Scheduler
	EditDebounce  time.Duration
	TypingTimeout time.Duration
	OnChange      func(View)
	Logger        *zap.Logger
}

// Session is one participant's projection of one room. Remote cursors and
// typing flags are a cache keyed by user id, rebuilt only from relay events.
type Session struct {
	roomID        string
	userID        string
	emitter       Emitter
	scheduler     Scheduler
	editDebounce  time.Duration
	typingTimeout time.Duration
	onChange      func(View)
	logger        *zap.Logger

	mu           sync.Mutex
	view         View
	pendingEdit  Timer
	editSequence uint64
	typing       map[string]typingEntry
}

type typingEntry struct {
	timer    Timer
	sequence uint64
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Emitter == nil {
		return nil, errMissingEmitter
	}
	roomID := strings.TrimSpace(cfg.RoomID)
	if roomID == "" {
		return nil, errMissingRoomID
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewWallScheduler()
	}
	debounce := cfg.EditDebounce
	if debounce <= 0 {
		debounce = DefaultEditDebounce
	}
	typingTimeout := cfg.TypingTimeout
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		roomID:        roomID,
		userID:        cfg.UserID,
		emitter:       cfg.Emitter,
		scheduler:     scheduler,
		editDebounce:  debounce,
		typingTimeout: typingTimeout,
		onChange:      cfg.OnChange,
		logger:        logger,
		view: View{
			RoomID:  roomID,
			Cursors: make(map[string]CursorState),
		},
		typing: make(map[string]typingEntry),
	}, nil
}

func (s *Session) RoomID() string {
	return s.roomID
}

// Join asks the server to attach this connection to the room.
func (s *Session) Join() error {
	return s.emitter.Emit(protocol.JoinRoom{RoomID: s.roomID})
}

// Leave flushes any pending edit and detaches from the room.
func (s *Session) Leave() error {
	s.Flush()
	s.mu.Lock()
	s.view.Joined = false
	s.mu.Unlock()
	return s.emitter.Emit(protocol.LeaveRoom{RoomID: s.roomID})
}

// Edit applies code to the local buffer at once and schedules a single
// trailing emission of the whole buffer. Later edits inside the window
// reschedule it.
func (s *Session) Edit(code string) {
	s.mu.Lock()
	s.view.Code = code
	if s.pendingEdit != nil {
		s.pendingEdit.Stop()
	}
	s.editSequence++
	sequence := s.editSequence
	s.pendingEdit = s.scheduler.AfterFunc(s.editDebounce, func() {
		s.emitEdit(sequence)
	})
	view := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(view)
}

// Flush emits a pending edit immediately.
func (s *Session) Flush() {
	s.mu.Lock()
	if s.pendingEdit == nil {
		s.mu.Unlock()
		return
	}
	s.pendingEdit.Stop()
	sequence := s.editSequence
	s.mu.Unlock()
	s.emitEdit(sequence)
}

func (s *Session) emitEdit(sequence uint64) {
	s.mu.Lock()
	if s.pendingEdit == nil || sequence != s.editSequence {
		s.mu.Unlock()
		return
	}
	s.pendingEdit = nil
	code := s.view.Code
	s.mu.Unlock()

	if err := s.emitter.Emit(protocol.CodeChange{RoomID: s.roomID, Code: code}); err != nil {
		s.logger.Warn("failed to emit code change", zap.String("room_id", s.roomID), zap.Error(err))
	}
}

func (s *Session) MoveCursor(position protocol.Position) error {
	return s.emitter.Emit(protocol.CursorMove{RoomID: s.roomID, Position: position})
}

func (s *Session) SetTyping(isTyping bool) error {
	return s.emitter.Emit(protocol.TypingChange{RoomID: s.roomID, IsTyping: isTyping})
}

func (s *Session) ChangeLanguage(language string) error {
	return s.emitter.Emit(protocol.LanguageChange{RoomID: s.roomID, Language: language})
}

func (s *Session) SendChat(message string) error {
	return s.emitter.Emit(protocol.ChatSend{RoomID: s.roomID, Message: message})
}

// Run asks the server to execute the current buffer in the room language.
func (s *Session) Run(stdin string) error {
	s.Flush()
	s.mu.Lock()
	request := protocol.CodeRun{
		RoomID:   s.roomID,
		Language: s.view.Language,
		Code:     s.view.Code,
		Stdin:    stdin,
	}
	s.mu.Unlock()
	return s.emitter.Emit(request)
}

// Apply folds a server event into the projection. Events for other rooms
// are ignored, except errors which are not room scoped.
func (s *Session) Apply(event protocol.ServerEvent) {
	s.mu.Lock()
	if !s.applyLocked(event) {
		s.mu.Unlock()
		return
	}
	view := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(view)
}

func (s *Session) applyLocked(event protocol.ServerEvent) bool {
	switch typed := event.(type) {
	case protocol.RoomSnapshot:
		if typed.RoomID != s.roomID {
			return false
		}
		s.cancelPendingEditLocked()
		s.view.Code = typed.Code
		s.view.Language = typed.Language
		s.view.ChatLog = append([]protocol.ChatLine(nil), typed.ChatLog...)
		s.view.Joined = true
	case protocol.RosterUpdate:
		if typed.RoomID != s.roomID {
			return false
		}
		s.view.Roster = append([]protocol.Participant(nil), typed.Users...)
		s.pruneDepartedLocked()
	case protocol.CodeUpdate:
		if typed.RoomID != s.roomID {
			return false
		}
		s.cancelPendingEditLocked()
		s.view.Code = typed.Code
	case protocol.CursorUpdate:
		if typed.RoomID != s.roomID || typed.UserID == s.userID {
			return false
		}
		s.view.Cursors[typed.UserID] = CursorState{
			Username: typed.Username,
			Position: typed.Position,
			Color:    typed.Color,
		}
	case protocol.LanguageUpdate:
		if typed.RoomID != s.roomID {
			return false
		}
		s.view.Language = typed.Language
	case protocol.ChatNew:
		if typed.RoomID != s.roomID {
			return false
		}
		s.view.ChatLog = append(s.view.ChatLog, protocol.ChatLine{
			Username: typed.Username,
			Message:  typed.Message,
			At:       typed.At,
		})
	case protocol.TypingUpdate:
		if typed.RoomID != s.roomID || typed.UserID == s.userID {
			return false
		}
		if typed.IsTyping {
			s.markTypingLocked(typed.UserID)
		} else {
			s.clearTypingLocked(typed.UserID)
		}
	case protocol.ExecutionOutput:
		if typed.RoomID != s.roomID {
			return false
		}
		s.view.Outputs = append(s.view.Outputs, typed)
	case protocol.ErrorEvent:
		errorEvent := typed
		s.view.LastError = &errorEvent
	default:
		return false
	}
	return true
}

// A remote replace supersedes the local edit; emitting it afterwards would
// echo the remote buffer back.
func (s *Session) cancelPendingEditLocked() {
	if s.pendingEdit == nil {
		return
	}
	s.pendingEdit.Stop()
	s.pendingEdit = nil
	s.editSequence++
}

func (s *Session) markTypingLocked(userID string) {
	entry := s.typing[userID]
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.sequence++
	sequence := entry.sequence
	entry.timer = s.scheduler.AfterFunc(s.typingTimeout, func() {
		s.expireTyping(userID, sequence)
	})
	s.typing[userID] = entry
}

func (s *Session) clearTypingLocked(userID string) {
	entry, ok := s.typing[userID]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.typing, userID)
}

func (s *Session) expireTyping(userID string, sequence uint64) {
	s.mu.Lock()
	entry, ok := s.typing[userID]
	if !ok || entry.sequence != sequence {
		s.mu.Unlock()
		return
	}
	delete(s.typing, userID)
	view := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(view)
}

func (s *Session) pruneDepartedLocked() {
	present := make(map[string]struct{}, len(s.view.Roster))
	for _, participant := range s.view.Roster {
		present[participant.UserID] = struct{}{}
	}
	for userID := range s.view.Cursors {
		if _, ok := present[userID]; !ok {
			delete(s.view.Cursors, userID)
		}
	}
	for userID := range s.typing {
		if _, ok := present[userID]; !ok {
			s.clearTypingLocked(userID)
		}
	}
}

// View returns a copy of the current projection.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// IsTyping reports whether userID is currently shown as typing.
func (s *Session) IsTyping(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.typing[userID]
	return ok
}

// Close cancels every pending timer without emitting.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPendingEditLocked()
	for userID := range s.typing {
		s.clearTypingLocked(userID)
	}
}

func (s *Session) snapshotLocked() View {
	view := s.view
	view.Roster = append([]protocol.Participant(nil), s.view.Roster...)
	view.ChatLog = append([]protocol.ChatLine(nil), s.view.ChatLog...)
	view.Outputs = append([]protocol.ExecutionOutput(nil), s.view.Outputs...)
	view.Cursors = make(map[string]CursorState, len(s.view.Cursors))
	for userID, cursor := range s.view.Cursors {
		view.Cursors[userID] = cursor
	}
	view.Typing = make([]string, 0, len(s.typing))
	for userID := range s.typing {
		view.Typing = append(view.Typing, userID)
	}
	sort.Strings(view.Typing)
	if s.view.LastError != nil {
		lastError := *s.view.LastError
		view.LastError = &lastError
	}
	return view
}

func (s *Session) notify(view View) {
	if s.onChange != nil {
		s.onChange(view)
	}
}
