package collab

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/ids"
	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestFlushSnapshotsSavesOnlyChangedRooms(t *testing.T) {
	archive := newMemoryArchive()
	fixture := newFixture(t, func(cfg *Config) { cfg.Archive = archive })
	alice := newConnection("c-a", "user-a", "Alice")
	fixture.connect(alice)
	fixture.join(alice, "R1")
	fixture.join(alice, "R2")

	fixture.engine.HandleEvent(context.Background(), alice, protocol.CodeChange{RoomID: "R1", Code: "v1"})
	if flushed := fixture.engine.FlushSnapshots(context.Background()); flushed != 1 {
		t.Fatalf("expected one flushed room, got %d", flushed)
	}
	if flushed := fixture.engine.FlushSnapshots(context.Background()); flushed != 0 {
		t.Fatalf("unchanged rooms must not be flushed again, got %d", flushed)
	}
	if archive.snapshots[0].RoomID != "R1" || archive.snapshots[0].Code != "v1" {
		t.Fatalf("unexpected flushed snapshot %+v", archive.snapshots[0])
	}
}

func TestEvictIdleKeepsOccupiedRooms(t *testing.T) {
	archive := newMemoryArchive()
	fixture := newFixture(t, func(cfg *Config) { cfg.Archive = archive })
	alice := newConnection("c-a", "user-a", "Alice")
	bob := newConnection("c-b", "user-b", "Bob")
	fixture.connect(alice, bob)
	fixture.join(alice, "OCCUPIED")
	fixture.join(bob, "EMPTIED")
	fixture.engine.HandleEvent(context.Background(), bob, protocol.CodeChange{RoomID: "EMPTIED", Code: "unsaved"})
	fixture.engine.Detach(bob)

	fixture.clock.Advance(time.Hour)
	if evicted := fixture.engine.EvictIdle(context.Background(), 30*time.Minute); evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	if !fixture.store.Exists("OCCUPIED") {
		t.Fatalf("rooms with attached connections must stay resident")
	}
	if fixture.store.Exists("EMPTIED") {
		t.Fatalf("idle empty room must be evicted")
	}
	if len(archive.snapshots) != 1 || archive.snapshots[0].Code != "unsaved" {
		t.Fatalf("expected unsaved changes to be flushed before eviction, got %+v", archive.snapshots)
	}
}

func TestEvictIdleKeepsRoomWhenFlushFails(t *testing.T) {
	archive := newMemoryArchive()
	archive.saveErr = errors.New("disk full")
	fixture := newFixture(t, func(cfg *Config) { cfg.Archive = archive })
	alice := newConnection("c-a", "user-a", "Alice")
	fixture.connect(alice)
	fixture.join(alice, "R1")
	fixture.engine.HandleEvent(context.Background(), alice, protocol.CodeChange{RoomID: "R1", Code: "precious"})
	fixture.engine.Detach(alice)

	fixture.clock.Advance(time.Hour)
	if evicted := fixture.engine.EvictIdle(context.Background(), time.Minute); evicted != 0 {
		t.Fatalf("expected no eviction, got %d", evicted)
	}
	if !fixture.store.Exists("R1") {
		t.Fatalf("room with unsaved changes must stay resident")
	}
}

func TestMaintenanceSweepWithoutTTLNeverEvicts(t *testing.T) {
	fixture := newFixture(t, nil)
	alice := newConnection("c-a", "user-a", "Alice")
	fixture.connect(alice)
	fixture.join(alice, "R1")
	fixture.engine.Detach(alice)
	fixture.clock.Advance(24 * time.Hour)

	maintenance := NewMaintenance(fixture.engine, MaintenanceConfig{Interval: time.Hour})
	maintenance.Sweep(context.Background())
	if !fixture.store.Exists("R1") {
		t.Fatalf("eviction must be disabled without an idle ttl")
	}
	maintenance.Start()
	maintenance.Stop()
	maintenance.Stop()
}

func newSQLiteArchive(t *testing.T) *persistence.Service {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "collab.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(persistence.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := persistence.NewService(persistence.ServiceConfig{
		Database:   database,
		IDProvider: ids.NewSequenceProvider("record"),
	})
	if err != nil {
		t.Fatalf("failed to construct persistence service: %v", err)
	}
	return service
}

func TestEvictedRoomIsRestoredFromDatabase(t *testing.T) {
	service := newSQLiteArchive(t)

	fixture := newFixture(t, func(cfg *Config) {
		cfg.Archive = service
		cfg.Access = service
	})
	alice := newConnection("c-a", "user-a", "Alice")
	fixture.connect(alice)
	fixture.join(alice, "R1")
	fixture.engine.HandleEvent(context.Background(), alice, protocol.CodeChange{RoomID: "R1", Code: "print(42)"})
	fixture.engine.HandleEvent(context.Background(), alice, protocol.ChatSend{RoomID: "R1", Message: "before eviction"})
	fixture.engine.Detach(alice)

	fixture.clock.Advance(time.Hour)
	maintenance := NewMaintenance(fixture.engine, MaintenanceConfig{Interval: time.Hour, IdleTTL: time.Minute})
	maintenance.Sweep(context.Background())
	if fixture.store.Exists("R1") {
		t.Fatalf("expected room to be evicted")
	}

	bob := newConnection("c-b", "user-b", "Bob")
	fixture.connect(bob)
	fixture.join(bob, "R1")
	snapshot := bob.received(protocol.EventRoomState)[0].(protocol.RoomSnapshot)
	if snapshot.Code != "print(42)" {
		t.Fatalf("expected restored code, got %q", snapshot.Code)
	}
	if len(snapshot.ChatLog) != 1 || snapshot.ChatLog[0].Message != "before eviction" {
		t.Fatalf("expected restored chat, got %+v", snapshot.ChatLog)
	}

	fixture.engine.HandleEvent(context.Background(), bob, protocol.CodeChange{RoomID: "R1", Code: "print(43)"})
	if flushed := fixture.engine.FlushSnapshots(context.Background()); flushed != 1 {
		t.Fatalf("expected restored room changes to flush, got %d", flushed)
	}
	seed, _, err := service.LoadSeed(context.Background(), "R1")
	if err != nil {
		t.Fatalf("load seed failed: %v", err)
	}
	if seed.Code != "print(43)" {
		t.Fatalf("expected newest snapshot to be stored, got %q", seed.Code)
	}
}

// rewindingClock moves backwards on every call, like a wall clock being
// corrected while messages arrive.
type rewindingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *rewindingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(-time.Second)
	return c.now
}

func TestRestoredChatKeepsServerReceiptOrder(t *testing.T) {
	service := newSQLiteArchive(t)
	clock := &rewindingClock{now: time.Date(2026, 10, 1, 9, 1, 41, 0, time.UTC)}
	store := rooms.NewStore(clock.Now)
	fixture := newFixture(t, func(cfg *Config) {
		cfg.Store = store
		cfg.Archive = service
		cfg.Access = service
	})
	alice := newConnection("c-a", "user-a", "Alice")
	bob := newConnection("c-b", "user-b", "Bob")
	fixture.connect(alice, bob)
	fixture.join(alice, "R1")
	fixture.join(bob, "R1")

	for index, message := range []string{"hi", "yo", "hey"} {
		sender := alice
		if index%2 == 1 {
			sender = bob
		}
		fixture.engine.HandleEvent(context.Background(), sender, protocol.ChatSend{RoomID: "R1", Message: message})
	}

	live := alice.received(protocol.EventChatNew)
	if len(live) != 3 {
		t.Fatalf("expected three live messages, got %d", len(live))
	}

	fixture.engine.Detach(alice)
	fixture.engine.Detach(bob)
	// The rewinding clock keeps every room recent, so evict regardless of age.
	if evicted := fixture.engine.EvictIdle(context.Background(), -time.Hour); evicted != 1 {
		t.Fatalf("expected room eviction, got %d", evicted)
	}

	seed, found, err := service.LoadSeed(context.Background(), "R1")
	if err != nil || !found {
		t.Fatalf("expected archived seed, got found=%v err=%v", found, err)
	}
	if len(seed.ChatLog) != len(live) {
		t.Fatalf("expected %d restored messages, got %d", len(live), len(seed.ChatLog))
	}
	for index, event := range live {
		if seed.ChatLog[index].Message != event.(protocol.ChatNew).Message {
			t.Fatalf("restored chat order differs from receipt order at %d: %+v", index, seed.ChatLog)
		}
	}

	carol := newConnection("c-c", "user-c", "Carol")
	fixture.connect(carol)
	fixture.join(carol, "R1")
	fixture.engine.HandleEvent(context.Background(), carol, protocol.ChatSend{RoomID: "R1", Message: "late"})
	seed, _, err = service.LoadSeed(context.Background(), "R1")
	if err != nil {
		t.Fatalf("load seed failed: %v", err)
	}
	if last := seed.ChatLog[len(seed.ChatLog)-1]; last.Message != "late" {
		t.Fatalf("messages after a restore must sort after the restored log, got %+v", seed.ChatLog)
	}
}
