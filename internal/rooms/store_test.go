package rooms

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClock() *manualClock {
	return &manualClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func TestEnsureAllocatesDefaultState(t *testing.T) {
	store := NewStore(newTestClock().Now)

	state, err := store.Ensure("ABC-234")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if state.Code != "// Start coding..." {
		t.Fatalf("unexpected placeholder %q", state.Code)
	}
	if state.Language != DefaultLanguage {
		t.Fatalf("unexpected language %q", state.Language)
	}
	if len(state.ChatLog) != 0 {
		t.Fatalf("expected empty chat log, got %d entries", len(state.ChatLog))
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	store := NewStore(newTestClock().Now)
	if _, err := store.Ensure("room-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if _, err := store.ApplyCodeChange("room-1", "let x = 1"); err != nil {
		t.Fatalf("code change failed: %v", err)
	}

	state, created, err := store.EnsureSeeded("room-1", Seed{Code: "ignored"})
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if created {
		t.Fatalf("expected existing room to be reused")
	}
	if state.Code != "let x = 1" {
		t.Fatalf("expected existing code to survive, got %q", state.Code)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one room, got %d", store.Len())
	}
}

func TestEnsureRejectsBlankRoomID(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.Ensure("   "); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected invalid room id, got %v", err)
	}
}

func TestEnsureSeededUsesSeed(t *testing.T) {
	store := NewStore(nil)
	state, created, err := store.EnsureSeeded("room-2", Seed{
		Language: "python",
		ChatLog:  []ChatEntry{{Username: "ada", Message: "hello"}},
	})
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if !created {
		t.Fatalf("expected allocation")
	}
	if state.Code != "# Start coding..." || state.Language != "python" {
		t.Fatalf("unexpected seeded state %+v", state)
	}
	if len(state.ChatLog) != 1 || state.ChatLog[0].Message != "hello" {
		t.Fatalf("unexpected chat log %+v", state.ChatLog)
	}
}

func TestPlaceholderCode(t *testing.T) {
	testCases := map[string]string{
		"python":     "# Start coding...",
		"java":       "# Start coding...",
		"c":          "# Start coding...",
		"cpp":        "# Start coding...",
		"html":       "<!-- Start coding... -->",
		"css":        "/* Start coding... */",
		"javascript": "// Start coding...",
		"go":         "// Start coding...",
	}
	for language, expected := range testCases {
		if got := PlaceholderCode(language); got != expected {
			t.Fatalf("PlaceholderCode(%q) = %q, want %q", language, got, expected)
		}
	}
}

func TestMutationsRequireExistingRoom(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.ApplyCodeChange("missing", "x"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
	if _, err := store.ApplyLanguageChange("missing", "go"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
	if _, err := store.AppendChat("missing", ChatEntry{Message: "hi"}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
	if store.Exists("missing") {
		t.Fatalf("mutations must not allocate rooms")
	}
}

func TestApplyLanguageChangeRejectsBlank(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.Ensure("room"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if _, err := store.ApplyLanguageChange("room", " "); !errors.Is(err, ErrInvalidLanguage) {
		t.Fatalf("expected invalid language, got %v", err)
	}
}

func TestLastWriteWins(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.Ensure("room"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if _, err := store.ApplyCodeChange("room", "from A"); err != nil {
		t.Fatalf("code change failed: %v", err)
	}
	if _, err := store.ApplyCodeChange("room", "from B"); err != nil {
		t.Fatalf("code change failed: %v", err)
	}
	state, err := store.Snapshot("room")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if state.Code != "from B" {
		t.Fatalf("expected last write to win, got %q", state.Code)
	}
	if state.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", state.Revision)
	}
}

func TestCommitHooksObserveApplyOrder(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.Ensure("room"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	var (
		observedMu sync.Mutex
		observed   []int64
	)
	hook := func(state State) {
		observedMu.Lock()
		observed = append(observed, state.Revision)
		observedMu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			entry := ChatEntry{Username: "user", Message: fmt.Sprintf("message-%d", index)}
			if _, err := store.AppendChat("room", entry, hook); err != nil {
				t.Errorf("append failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(observed) != 50 {
		t.Fatalf("expected 50 hook invocations, got %d", len(observed))
	}
	for index, revision := range observed {
		if revision != int64(index+1) {
			t.Fatalf("hook order diverged from apply order at %d: revision %d", index, revision)
		}
	}

	state, err := store.Snapshot("room")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(state.ChatLog) != 50 {
		t.Fatalf("expected 50 chat entries, got %d", len(state.ChatLog))
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.Ensure("room"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if _, err := store.AppendChat("room", ChatEntry{Message: "one"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	snapshot, err := store.Snapshot("room")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	snapshot.ChatLog[0].Message = "mutated"

	again, err := store.Snapshot("room")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if again.ChatLog[0].Message != "one" {
		t.Fatalf("snapshot mutation leaked into store")
	}
}

func TestIdleRoomsAndEvict(t *testing.T) {
	clock := newTestClock()
	store := NewStore(clock.Now)
	if _, err := store.Ensure("stale"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := store.Ensure("fresh"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	idle := store.IdleRooms(5 * time.Minute)
	if len(idle) != 1 || idle[0] != "stale" {
		t.Fatalf("unexpected idle rooms %v", idle)
	}

	if store.Evict("stale", func(State) bool { return false }) {
		t.Fatalf("evict must honour the veto")
	}
	if !store.Evict("stale", func(State) bool { return true }) {
		t.Fatalf("expected eviction")
	}
	if store.Exists("stale") {
		t.Fatalf("evicted room still resident")
	}
	if store.Evict("stale", nil) {
		t.Fatalf("second eviction must report false")
	}

	state, err := store.Ensure("stale")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if state.Code != "// Start coding..." {
		t.Fatalf("expected fresh state after eviction, got %q", state.Code)
	}
}

func TestWithinTouchesActivity(t *testing.T) {
	clock := newTestClock()
	store := NewStore(clock.Now)
	if _, err := store.Ensure("room"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	clock.Advance(time.Hour)

	called := false
	if err := store.Within("room", func(state State) { called = state.RoomID == "room" }); err != nil {
		t.Fatalf("within failed: %v", err)
	}
	if !called {
		t.Fatalf("expected callback with room state")
	}
	if idle := store.IdleRooms(time.Minute); len(idle) != 0 {
		t.Fatalf("expected room to be active, got idle %v", idle)
	}
	if err := store.Within("missing", nil); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}

func TestUnrelatedRoomsProceedInParallel(t *testing.T) {
	store := NewStore(nil)
	for _, roomID := range []string{"a", "b"} {
		if _, err := store.Ensure(roomID); err != nil {
			t.Fatalf("ensure failed: %v", err)
		}
	}

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.Within("a", func(State) {
			close(blocked)
			<-release
		})
	}()
	<-blocked

	done := make(chan struct{})
	go func() {
		_, _ = store.ApplyCodeChange("b", "independent")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("mutation on room b waited for room a")
	}
	close(release)
}

func TestAppendChatStampsEntriesUnderTheRoomLock(t *testing.T) {
	clock := newTestClock()
	store := NewStore(clock.Now)
	if _, err := store.Ensure("room"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if _, err := store.ApplyCodeChange("room", "x = 1"); err != nil {
		t.Fatalf("code change failed: %v", err)
	}

	stale := clock.Now().Add(-time.Hour)
	clock.Advance(time.Minute)
	state, err := store.AppendChat("room", ChatEntry{Username: "ada", Message: "hi", SentAt: stale})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	entry := state.ChatLog[0]
	if !entry.SentAt.Equal(clock.Now()) {
		t.Fatalf("expected store clock timestamp %v, got %v", clock.Now(), entry.SentAt)
	}
	if entry.Sequence != state.Revision || entry.Sequence != 2 {
		t.Fatalf("expected sequence to match revision 2, got sequence %d revision %d", entry.Sequence, state.Revision)
	}
}
