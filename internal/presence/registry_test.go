package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestRosterDeduplicatesByUserID(t *testing.T) {
	registry := NewRegistry()
	registry.Join("room", Participant{ConnectionID: "c1", UserID: "u1", Username: "ada"})
	registry.Join("room", Participant{ConnectionID: "c2", UserID: "u2", Username: "grace"})
	registry.Join("room", Participant{ConnectionID: "c3", UserID: "u1", Username: "ada"})

	roster := registry.Roster("room")
	if len(roster) != 2 {
		t.Fatalf("expected 2 roster entries, got %d", len(roster))
	}
	if roster[0].UserID != "u1" || roster[1].UserID != "u2" {
		t.Fatalf("unexpected roster order %+v", roster)
	}
	if registry.Count("room") != 3 {
		t.Fatalf("expected 3 attached connections, got %d", registry.Count("room"))
	}
}

func TestRosterKeepsUserWhileAnyConnectionRemains(t *testing.T) {
	registry := NewRegistry()
	registry.Join("room", Participant{ConnectionID: "c1", UserID: "u1", Username: "ada"})
	registry.Join("room", Participant{ConnectionID: "c2", UserID: "u1", Username: "ada"})

	registry.Leave("room", "c1")
	if roster := registry.Roster("room"); len(roster) != 1 || roster[0].UserID != "u1" {
		t.Fatalf("expected u1 to remain, got %+v", roster)
	}
	registry.Leave("room", "c2")
	if roster := registry.Roster("room"); len(roster) != 0 {
		t.Fatalf("expected empty roster, got %+v", roster)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	if !registry.Join("room", Participant{ConnectionID: "c1", UserID: "u1"}) {
		t.Fatalf("first join must report a new membership")
	}
	if registry.Join("room", Participant{ConnectionID: "c1", UserID: "u1"}) {
		t.Fatalf("second join must not report a new membership")
	}
	if registry.Count("room") != 1 {
		t.Fatalf("expected single membership, got %d", registry.Count("room"))
	}
}

func TestLeaveUnknownMembership(t *testing.T) {
	registry := NewRegistry()
	if registry.Leave("room", "ghost") {
		t.Fatalf("leave must report false for unknown membership")
	}
}

func TestConnectionCountTracksJoinedConnections(t *testing.T) {
	registry := NewRegistry()
	registry.Join("b", Participant{ConnectionID: "c1", UserID: "u1"})
	registry.Join("a", Participant{ConnectionID: "c1", UserID: "u1"})

	if registry.ConnectionCount() != 1 {
		t.Fatalf("expected one tracked connection, got %d", registry.ConnectionCount())
	}
	if !registry.IsMember("a", "c1") || !registry.IsMember("b", "c1") {
		t.Fatalf("expected membership in both rooms")
	}
	registry.Leave("a", "c1")
	registry.Leave("b", "c1")
	if registry.ConnectionCount() != 0 {
		t.Fatalf("expected no tracked connections, got %d", registry.ConnectionCount())
	}
	if registry.IsMember("a", "c1") {
		t.Fatalf("connection still reported as member")
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			connectionID := fmt.Sprintf("c%d", index)
			registry.Join("room", Participant{ConnectionID: connectionID, UserID: fmt.Sprintf("u%d", index%10)})
			_ = registry.Roster("room")
			if index%2 == 0 {
				registry.Leave("room", connectionID)
			}
		}(i)
	}
	wg.Wait()

	if registry.Count("room") != 50 {
		t.Fatalf("expected 50 remaining connections, got %d", registry.Count("room"))
	}
	if roster := registry.Roster("room"); len(roster) != 5 {
		t.Fatalf("expected 5 distinct users, got %d", len(roster))
	}
}

func TestLeaveAllDetachesEveryRoom(t *testing.T) {
	registry := NewRegistry()
	registry.Join("b", Participant{ConnectionID: "c1", UserID: "u1"})
	registry.Join("a", Participant{ConnectionID: "c1", UserID: "u1"})
	registry.Join("a", Participant{ConnectionID: "c2", UserID: "u2"})

	left := registry.LeaveAll("c1")
	if len(left) != 2 || left[0] != "a" || left[1] != "b" {
		t.Fatalf("unexpected rooms left: %v", left)
	}
	if registry.Count("a") != 1 || registry.Count("b") != 0 {
		t.Fatalf("unexpected counts a=%d b=%d", registry.Count("a"), registry.Count("b"))
	}
	if registry.IsMember("a", "c1") || registry.IsMember("b", "c1") {
		t.Fatalf("expected no remaining memberships")
	}
	if registry.ConnectionCount() != 1 {
		t.Fatalf("expected only c2 to remain tracked, got %d", registry.ConnectionCount())
	}
	if left := registry.LeaveAll("c1"); len(left) != 0 {
		t.Fatalf("expected second LeaveAll to be empty, got %v", left)
	}
}
