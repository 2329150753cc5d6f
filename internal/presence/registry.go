// Package presence tracks which connections are attached to which rooms and
// derives the participant roster from that membership.
package presence

import (
	"sort"
	"sync"
)

// Participant is one connection's identity as attached to a room.
type Participant struct {
	ConnectionID string
	UserID       string
	Username     string
}

// RosterEntry is one de-duplicated user in a room roster.
type RosterEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type membership struct {
	participant Participant
	sequence    uint64
}

// Registry is the live connection membership table.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]membership
	connections map[string]map[string]struct{}
	sequence    uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]map[string]membership),
		connections: make(map[string]map[string]struct{}),
	}
}

// Join attaches the participant's connection to roomID. Joining twice keeps
// the original join position. It reports whether the connection was new to the room.
func (r *Registry) Join(roomID string, participant Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]membership)
		r.rooms[roomID] = members
	}
	if existing, ok := members[participant.ConnectionID]; ok {
		existing.participant = participant
		members[participant.ConnectionID] = existing
		return false
	}
	r.sequence++
	members[participant.ConnectionID] = membership{participant: participant, sequence: r.sequence}

	joined, ok := r.connections[participant.ConnectionID]
	if !ok {
		joined = make(map[string]struct{})
		r.connections[participant.ConnectionID] = joined
	}
	joined[roomID] = struct{}{}
	return true
}

// Leave detaches connectionID from roomID and reports whether it was attached.
func (r *Registry) Leave(roomID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(roomID, connectionID)
}

// LeaveAll detaches connectionID from every room and returns the rooms it
// left, in lexical order.
func (r *Registry) LeaveAll(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := r.connections[connectionID]
	roomIDs := make([]string, 0, len(joined))
	for roomID := range joined {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)
	for _, roomID := range roomIDs {
		r.leaveLocked(roomID, connectionID)
	}
	return roomIDs
}

// IsMember reports whether connectionID is attached to roomID.
func (r *Registry) IsMember(roomID, connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connectionID]
	return ok
}

// Members returns the attached participants of roomID in join order.
func (r *Registry) Members(roomID string) []Participant {
	r.mu.RLock()
	memberships := make([]membership, 0, len(r.rooms[roomID]))
	for _, member := range r.rooms[roomID] {
		memberships = append(memberships, member)
	}
	r.mu.RUnlock()

	sort.Slice(memberships, func(i, j int) bool {
		return memberships[i].sequence < memberships[j].sequence
	})
	participants := make([]Participant, 0, len(memberships))
	for _, member := range memberships {
		participants = append(participants, member.participant)
	}
	return participants
}

// Count returns the number of connections attached to roomID.
func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// ConnectionCount returns the number of connections attached to any room.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Roster recomputes the participant list of roomID from live membership.
// A user with several connections appears once, at the position of their
// earliest attached connection.
func (r *Registry) Roster(roomID string) []RosterEntry {
	members := r.Members(roomID)
	roster := make([]RosterEntry, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, member := range members {
		if _, ok := seen[member.UserID]; ok {
			continue
		}
		seen[member.UserID] = struct{}{}
		roster = append(roster, RosterEntry{UserID: member.UserID, Username: member.Username})
	}
	return roster
}

func (r *Registry) leaveLocked(roomID, connectionID string) bool {
	members := r.rooms[roomID]
	if members == nil {
		return false
	}
	if _, ok := members[connectionID]; !ok {
		return false
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	if joined := r.connections[connectionID]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.connections, connectionID)
		}
	}
	return true
}
