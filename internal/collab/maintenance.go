package collab

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	"go.uber.org/zap"
)

const defaultMaintenanceInterval = time.Minute

// MaintenanceConfig controls the background room sweep. An IdleTTL of zero
// disables eviction.
type MaintenanceConfig struct {
	Interval time.Duration
	IdleTTL  time.Duration
}

// Maintenance periodically flushes changed room buffers to the archive and
// evicts idle rooms with no attached connections.
type Maintenance struct {
	engine *Engine
	config MaintenanceConfig
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewMaintenance(engine *Engine, config MaintenanceConfig) *Maintenance {
	if config.Interval <= 0 {
		config.Interval = defaultMaintenanceInterval
	}
	return &Maintenance{
		engine: engine,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (m *Maintenance) Start() {
	m.wg.Add(1)
	go m.run()
	m.engine.logger.Info("room maintenance started",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("idle_ttl", m.config.IdleTTL))
}

// Stop halts the sweep and performs a final snapshot flush.
func (m *Maintenance) Stop() {
	m.once.Do(func() {
		close(m.stop)
		m.wg.Wait()
		m.engine.FlushSnapshots(context.Background())
		m.engine.logger.Info("room maintenance stopped")
	})
}

func (m *Maintenance) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep runs one maintenance pass.
func (m *Maintenance) Sweep(ctx context.Context) {
	flushed := m.engine.FlushSnapshots(ctx)
	evicted := 0
	if m.config.IdleTTL > 0 {
		evicted = m.engine.EvictIdle(ctx, m.config.IdleTTL)
	}
	if flushed > 0 || evicted > 0 {
		m.engine.logger.Info("room maintenance pass",
			zap.Int("snapshots_flushed", flushed),
			zap.Int("rooms_evicted", evicted),
			zap.Int("rooms_resident", m.engine.store.Len()))
	}
}

// FlushSnapshots saves every resident room whose revision advanced since
// its last save. It returns the number of rooms saved.
func (e *Engine) FlushSnapshots(ctx context.Context) int {
	if e.archive == nil {
		return 0
	}
	flushed := 0
	for _, state := range e.store.Snapshots() {
		if !e.needsSave(state) {
			continue
		}
		if err := e.archive.SaveSnapshot(ctx, state); err != nil {
			e.logger.Warn("failed to flush room snapshot",
				zap.String("room_id", state.RoomID),
				zap.Error(err))
			continue
		}
		e.markSaved(state.RoomID, state.Revision)
		flushed++
	}
	return flushed
}

// EvictIdle removes rooms idle for longer than idleFor that have no
// attached connections. Unsaved changes are flushed first; a room whose
// flush fails stays resident.
func (e *Engine) EvictIdle(ctx context.Context, idleFor time.Duration) int {
	evicted := 0
	for _, roomID := range e.store.IdleRooms(idleFor) {
		removed := e.store.Evict(roomID, func(state rooms.State) bool {
			if e.registry.Count(roomID) > 0 {
				return false
			}
			if e.archive != nil && e.needsSave(state) {
				if err := e.archive.SaveSnapshot(ctx, state); err != nil {
					e.logger.Warn("keeping idle room with unsaved changes",
						zap.String("room_id", roomID),
						zap.Error(err))
					return false
				}
			}
			return true
		})
		if !removed {
			continue
		}
		e.forgetSaved(roomID)
		evicted++
		e.logger.Info("idle room evicted", zap.String("room_id", roomID))
	}
	return evicted
}

func (e *Engine) needsSave(state rooms.State) bool {
	e.snapshotsMu.Lock()
	defer e.snapshotsMu.Unlock()
	return state.Revision > e.savedRevisions[state.RoomID]
}

func (e *Engine) markSaved(roomID string, revision int64) {
	e.snapshotsMu.Lock()
	defer e.snapshotsMu.Unlock()
	if revision > e.savedRevisions[roomID] {
		e.savedRevisions[roomID] = revision
	}
}

func (e *Engine) forgetSaved(roomID string) {
	e.snapshotsMu.Lock()
	defer e.snapshotsMu.Unlock()
	delete(e.savedRevisions, roomID)
}
