package client

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
)

type manualTimer struct {
	scheduler *manualScheduler
	due       time.Duration
	fn        func()
	stopped   bool
	fired     bool
}

func (t *manualTimer) Stop() bool {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// manualScheduler fires callbacks only when Advance moves its clock past
// their deadline.
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{scheduler: s, due: s.now + delay, fn: fn}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *manualScheduler) Advance(delta time.Duration) {
	s.mu.Lock()
	s.now += delta
	var due []*manualTimer
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired && timer.due <= s.now {
			timer.fired = true
			due = append(due, timer)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].due < due[j].due })
	s.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []protocol.ClientEvent
}

func (e *recordingEmitter) Emit(event protocol.ClientEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) codeChanges() []protocol.CodeChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	var changes []protocol.CodeChange
	for _, event := range e.events {
		if change, ok := event.(protocol.CodeChange); ok {
			changes = append(changes, change)
		}
	}
	return changes
}

func newTestSession(t *testing.T) (*Session, *recordingEmitter, *manualScheduler) {
	t.Helper()
	emitter := &recordingEmitter{}
	scheduler := &manualScheduler{}
	session, err := NewSession(SessionConfig{
		RoomID:    "ROOM-1",
		UserID:    "self",
		Emitter:   emitter,
		Scheduler: scheduler,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session, emitter, scheduler
}

func TestNewSessionValidatesConfig(t *testing.T) {
	if _, err := NewSession(SessionConfig{RoomID: "R"}); err != errMissingEmitter {
		t.Fatalf("expected missing emitter error, got %v", err)
	}
	if _, err := NewSession(SessionConfig{RoomID: "  ", Emitter: &recordingEmitter{}}); err != errMissingRoomID {
		t.Fatalf("expected missing room id error, got %v", err)
	}
}

func TestEditsInsideDebounceWindowEmitOnce(t *testing.T) {
	session, emitter, scheduler := newTestSession(t)

	for _, code := range []string{"p", "pr", "pri", "print(1)"} {
		session.Edit(code)
		scheduler.Advance(100 * time.Millisecond)
	}
	if got := session.View().Code; got != "print(1)" {
		t.Fatalf("expected local buffer to update immediately, got %q", got)
	}
	if changes := emitter.codeChanges(); len(changes) != 0 {
		t.Fatalf("expected no emission inside the window, got %+v", changes)
	}

	scheduler.Advance(299 * time.Millisecond)
	if changes := emitter.codeChanges(); len(changes) != 0 {
		t.Fatalf("expected emission to wait for the full window, got %+v", changes)
	}
	scheduler.Advance(time.Millisecond)
	changes := emitter.codeChanges()
	if len(changes) != 1 {
		t.Fatalf("expected exactly one emission, got %d", len(changes))
	}
	if changes[0].Code != "print(1)" || changes[0].RoomID != "ROOM-1" {
		t.Fatalf("unexpected emission %+v", changes[0])
	}

	scheduler.Advance(time.Second)
	if len(emitter.codeChanges()) != 1 {
		t.Fatalf("expected no further emissions")
	}
}

func TestRemoteUpdateCancelsPendingEdit(t *testing.T) {
	session, emitter, scheduler := newTestSession(t)

	session.Edit("local draft")
	session.Apply(protocol.CodeUpdate{RoomID: "ROOM-1", Code: "remote", UserID: "other"})
	scheduler.Advance(time.Second)

	if changes := emitter.codeChanges(); len(changes) != 0 {
		t.Fatalf("expected pending edit to be cancelled, got %+v", changes)
	}
	if got := session.View().Code; got != "remote" {
		t.Fatalf("expected remote buffer, got %q", got)
	}
}

func TestFlushAndRunEmitPendingEditFirst(t *testing.T) {
	session, emitter, _ := newTestSession(t)
	session.Apply(protocol.RoomSnapshot{RoomID: "ROOM-1", Code: "", Language: "python"})

	session.Edit("print(2)")
	if err := session.Run("input"); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(emitter.events) != 2 {
		t.Fatalf("expected code change then run, got %+v", emitter.events)
	}
	if change, ok := emitter.events[0].(protocol.CodeChange); !ok || change.Code != "print(2)" {
		t.Fatalf("expected flushed edit first, got %+v", emitter.events[0])
	}
	run, ok := emitter.events[1].(protocol.CodeRun)
	if !ok {
		t.Fatalf("expected code run, got %+v", emitter.events[1])
	}
	if run.Language != "python" || run.Code != "print(2)" || run.Stdin != "input" {
		t.Fatalf("unexpected run request %+v", run)
	}
}

func TestTypingExpiresAfterTimeout(t *testing.T) {
	session, _, scheduler := newTestSession(t)

	session.Apply(protocol.TypingUpdate{RoomID: "ROOM-1", UserID: "bob", Username: "Bob", IsTyping: true})
	if !session.IsTyping("bob") {
		t.Fatalf("expected bob to be typing")
	}
	scheduler.Advance(2999 * time.Millisecond)
	if !session.IsTyping("bob") {
		t.Fatalf("typing indicator cleared too early")
	}
	scheduler.Advance(time.Millisecond)
	if session.IsTyping("bob") {
		t.Fatalf("typing indicator must clear after three seconds")
	}
}

func TestTypingRefreshRearmsExpiry(t *testing.T) {
	session, _, scheduler := newTestSession(t)

	session.Apply(protocol.TypingUpdate{RoomID: "ROOM-1", UserID: "bob", IsTyping: true})
	scheduler.Advance(2 * time.Second)
	session.Apply(protocol.TypingUpdate{RoomID: "ROOM-1", UserID: "bob", IsTyping: true})
	scheduler.Advance(2 * time.Second)
	if !session.IsTyping("bob") {
		t.Fatalf("refreshed typing indicator must survive the first deadline")
	}
	scheduler.Advance(time.Second)
	if session.IsTyping("bob") {
		t.Fatalf("expected refreshed indicator to expire")
	}

	session.Apply(protocol.TypingUpdate{RoomID: "ROOM-1", UserID: "bob", IsTyping: true})
	session.Apply(protocol.TypingUpdate{RoomID: "ROOM-1", UserID: "bob", IsTyping: false})
	if session.IsTyping("bob") {
		t.Fatalf("explicit stop must clear immediately")
	}
}

func TestSelfEventsAreIgnored(t *testing.T) {
	session, _, _ := newTestSession(t)

	session.Apply(protocol.TypingUpdate{RoomID: "ROOM-1", UserID: "self", IsTyping: true})
	session.Apply(protocol.CursorUpdate{RoomID: "ROOM-1", UserID: "self", Position: protocol.Position{Line: 1, Column: 1}})
	view := session.View()
	if len(view.Typing) != 0 || len(view.Cursors) != 0 {
		t.Fatalf("own relay events must not be rendered, got %+v", view)
	}
}

func TestRosterPrunesDepartedCursorsAndTyping(t *testing.T) {
	session, _, _ := newTestSession(t)

	session.Apply(protocol.RosterUpdate{RoomID: "ROOM-1", Users: []protocol.Participant{
		{UserID: "self", Username: "Me"},
		{UserID: "bob", Username: "Bob"},
		{UserID: "carol", Username: "Carol"},
	}})
	session.Apply(protocol.CursorUpdate{RoomID: "ROOM-1", UserID: "bob", Username: "Bob", Position: protocol.Position{Line: 2, Column: 3}, Color: "#FF6B6B"})
	session.Apply(protocol.CursorUpdate{RoomID: "ROOM-1", UserID: "carol", Username: "Carol", Position: protocol.Position{Line: 4, Column: 1}, Color: "#4ECDC4"})
	session.Apply(protocol.TypingUpdate{RoomID: "ROOM-1", UserID: "bob", IsTyping: true})

	session.Apply(protocol.RosterUpdate{RoomID: "ROOM-1", Users: []protocol.Participant{
		{UserID: "self", Username: "Me"},
		{UserID: "carol", Username: "Carol"},
	}})

	view := session.View()
	if len(view.Roster) != 2 {
		t.Fatalf("expected roster replacement, got %+v", view.Roster)
	}
	if _, ok := view.Cursors["bob"]; ok {
		t.Fatalf("departed user's cursor must be pruned")
	}
	if _, ok := view.Cursors["carol"]; !ok {
		t.Fatalf("present user's cursor must be kept")
	}
	if session.IsTyping("bob") {
		t.Fatalf("departed user's typing flag must be pruned")
	}
}

func TestSnapshotChatAndOutputsProjection(t *testing.T) {
	session, _, _ := newTestSession(t)
	var notified []View
	session.onChange = func(view View) { notified = append(notified, view) }

	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	session.Apply(protocol.RoomSnapshot{
		RoomID:   "ROOM-1",
		Code:     "x = 1",
		Language: "python",
		ChatLog:  []protocol.ChatLine{{Username: "Bob", Message: "hi", At: at}},
	})
	session.Apply(protocol.ChatNew{RoomID: "ROOM-1", Username: "Carol", Message: "hello", At: at.Add(time.Second)})
	session.Apply(protocol.LanguageUpdate{RoomID: "ROOM-1", Language: "go", UserID: "bob"})
	session.Apply(protocol.ExecutionOutput{RoomID: "ROOM-1", Output: "1\n", Language: "python"})
	session.Apply(protocol.ChatNew{RoomID: "OTHER", Username: "Eve", Message: "wrong room"})
	session.Apply(protocol.ErrorEvent{Message: "room not found", Code: "room_not_found"})

	view := session.View()
	if !view.Joined || view.Code != "x = 1" || view.Language != "go" {
		t.Fatalf("unexpected projection %+v", view)
	}
	if len(view.ChatLog) != 2 || view.ChatLog[1].Message != "hello" {
		t.Fatalf("expected chat log in arrival order, got %+v", view.ChatLog)
	}
	if len(view.Outputs) != 1 || view.Outputs[0].Output != "1\n" {
		t.Fatalf("unexpected outputs %+v", view.Outputs)
	}
	if view.LastError == nil || view.LastError.Code != "room_not_found" {
		t.Fatalf("expected last error to be recorded, got %+v", view.LastError)
	}
	if len(notified) != 5 {
		t.Fatalf("expected one notification per applied event, got %d", len(notified))
	}
}

func TestLeaveFlushesPendingEdit(t *testing.T) {
	session, emitter, _ := newTestSession(t)
	session.Apply(protocol.RoomSnapshot{RoomID: "ROOM-1"})

	session.Edit("unsent")
	if err := session.Leave(); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("expected flush then leave, got %+v", emitter.events)
	}
	if _, ok := emitter.events[1].(protocol.LeaveRoom); !ok {
		t.Fatalf("expected leave event last, got %+v", emitter.events[1])
	}
	if session.View().Joined {
		t.Fatalf("expected session to be marked as left")
	}
}

func TestCloseCancelsTimersWithoutEmitting(t *testing.T) {
	session, emitter, scheduler := newTestSession(t)

	session.Edit("draft")
	session.Apply(protocol.TypingUpdate{RoomID: "ROOM-1", UserID: "bob", IsTyping: true})
	session.Close()
	scheduler.Advance(5 * time.Second)

	if len(emitter.codeChanges()) != 0 {
		t.Fatalf("closed session must not emit")
	}
	if session.IsTyping("bob") {
		t.Fatalf("closed session must drop typing indicators")
	}
}
