package rooms

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrRoomNotFound    = errors.New("rooms: room not found")
	ErrInvalidRoomID   = errors.New("rooms: room id required")
	ErrInvalidLanguage = errors.New("rooms: language required")
)

// CommitHook runs inside the room critical section right after a mutation
// is applied. Hooks observe mutations in apply order and must not block.
type CommitHook func(State)

type roomEntry struct {
	mu      sync.Mutex
	state   State
	evicted bool
}

// Store holds the authoritative in-memory state for every active room.
// Each room is guarded by its own mutex; unrelated rooms never contend.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry
	clock func() time.Time
}

// NewStore constructs an empty Store.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		rooms: make(map[string]*roomEntry),
		clock: clock,
	}
}

// Ensure returns the state of roomID, allocating the default state when absent.
func (s *Store) Ensure(roomID string) (State, error) {
	state, _, err := s.EnsureSeeded(roomID, Seed{})
	return state, err
}

// EnsureSeeded behaves like Ensure but allocates from seed. The seed is
// ignored when the room already exists. The boolean reports allocation.
func (s *Store) EnsureSeeded(roomID string, seed Seed) (State, bool, error) {
	if strings.TrimSpace(roomID) == "" {
		return State{}, false, ErrInvalidRoomID
	}
	entry, created, err := s.acquire(roomID, func() State {
		return seededState(roomID, seed, s.clock().UTC())
	})
	if err != nil {
		return State{}, false, err
	}
	defer entry.mu.Unlock()
	return entry.state.clone(), created, nil
}

// Exists reports whether roomID currently has state.
func (s *Store) Exists(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Snapshot returns a copy of the current room state.
func (s *Store) Snapshot(roomID string) (State, error) {
	entry, _, err := s.acquire(roomID, nil)
	if err != nil {
		return State{}, err
	}
	defer entry.mu.Unlock()
	return entry.state.clone(), nil
}

// Within runs fn inside the room critical section against a copy of the
// state. No mutation can interleave with fn.
func (s *Store) Within(roomID string, fn func(State)) error {
	entry, _, err := s.acquire(roomID, nil)
	if err != nil {
		return err
	}
	defer entry.mu.Unlock()
	entry.state.LastActivity = s.clock().UTC()
	if fn != nil {
		fn(entry.state.clone())
	}
	return nil
}

// ApplyCodeChange replaces the room buffer wholesale. Last write wins.
func (s *Store) ApplyCodeChange(roomID, code string, hooks ...CommitHook) (State, error) {
	return s.mutate(roomID, func(state *State) error {
		state.Code = code
		return nil
	}, hooks)
}

// ApplyLanguageChange replaces the room language.
func (s *Store) ApplyLanguageChange(roomID, language string, hooks ...CommitHook) (State, error) {
	language = strings.TrimSpace(language)
	if language == "" {
		return State{}, ErrInvalidLanguage
	}
	return s.mutate(roomID, func(state *State) error {
		state.Language = language
		return nil
	}, hooks)
}

// AppendChat appends entry to the room chat log. SentAt and Sequence are
// assigned under the room lock so both follow the apply order.
func (s *Store) AppendChat(roomID string, entry ChatEntry, hooks ...CommitHook) (State, error) {
	return s.mutate(roomID, func(state *State) error {
		entry.SentAt = s.clock().UTC()
		entry.Sequence = state.Revision + 1
		state.ChatLog = append(state.ChatLog, entry)
		return nil
	}, hooks)
}

// Snapshots returns a copy of every resident room, ordered by room id.
func (s *Store) Snapshots() []State {
	roomIDs := s.RoomIDs()
	snapshots := make([]State, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		state, err := s.Snapshot(roomID)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, state)
	}
	return snapshots
}

// RoomIDs lists resident rooms in lexical order.
func (s *Store) RoomIDs() []string {
	s.mu.RLock()
	roomIDs := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	s.mu.RUnlock()
	sort.Strings(roomIDs)
	return roomIDs
}

// Len returns the number of resident rooms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// IdleRooms lists rooms whose last activity is older than idleFor.
func (s *Store) IdleRooms(idleFor time.Duration) []string {
	cutoff := s.clock().UTC().Add(-idleFor)
	idle := make([]string, 0)
	for _, state := range s.Snapshots() {
		if state.LastActivity.Before(cutoff) {
			idle = append(idle, state.RoomID)
		}
	}
	return idle
}

// Evict removes roomID when canEvict approves its state. canEvict runs in
// the room critical section. It reports whether the room was removed.
func (s *Store) Evict(roomID string, canEvict func(State) bool) bool {
	s.mu.RLock()
	entry := s.rooms[roomID]
	s.mu.RUnlock()
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.evicted {
		return false
	}
	if canEvict != nil && !canEvict(entry.state.clone()) {
		return false
	}

	s.mu.Lock()
	if s.rooms[roomID] == entry {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	entry.evicted = true
	return true
}

func (s *Store) mutate(roomID string, apply func(*State) error, hooks []CommitHook) (State, error) {
	entry, _, err := s.acquire(roomID, nil)
	if err != nil {
		return State{}, err
	}
	defer entry.mu.Unlock()

	if err := apply(&entry.state); err != nil {
		return State{}, err
	}
	entry.state.Revision++
	entry.state.LastActivity = s.clock().UTC()

	snapshot := entry.state.clone()
	for _, hook := range hooks {
		if hook != nil {
			hook(snapshot)
		}
	}
	return snapshot, nil
}

// acquire returns the locked entry for roomID. A nil create makes absent
// rooms an error. Entries evicted while waiting for the lock are retried.
func (s *Store) acquire(roomID string, create func() State) (*roomEntry, bool, error) {
	for {
		s.mu.RLock()
		entry := s.rooms[roomID]
		s.mu.RUnlock()

		created := false
		if entry == nil {
			if create == nil {
				return nil, false, ErrRoomNotFound
			}
			s.mu.Lock()
			entry = s.rooms[roomID]
			if entry == nil {
				entry = &roomEntry{state: create()}
				s.rooms[roomID] = entry
				created = true
			}
			s.mu.Unlock()
		}

		entry.mu.Lock()
		if entry.evicted {
			entry.mu.Unlock()
			continue
		}
		return entry, created, nil
	}
}
