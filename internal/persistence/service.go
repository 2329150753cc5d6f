// Package persistence keeps rooms, chat history and execution history in
// the relational store.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/auth"
	"github.com/MarcoPoloResearchLab/coderoom/internal/ids"
	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRoomNotFound = errors.New("persistence: room not found")
	ErrAccessDenied = errors.New("persistence: access denied")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRoomName   = errors.New("room name is required")
	errMissingOwner      = errors.New("room owner is required")
	errMissingUserID     = errors.New("user identifier is required")
	errRoomIDExhausted   = errors.New("could not allocate a free room id")
	noOpLogger           = zap.NewNop()
)

const (
	defaultChatSeedLimit = 500
	roomIDAttempts       = 8
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "persistence.service.new"
	opCreateRoom       = "persistence.create_room"
	opGetRoom          = "persistence.get_room"
	opAddCollaborator  = "persistence.add_collaborator"
	opCheckAccess      = "persistence.check_access"
	opLoadSeed         = "persistence.load_seed"
	opArchiveChat      = "persistence.archive_chat"
	opSaveSnapshot     = "persistence.save_snapshot"
	opRecordExecution  = "persistence.record_execution"
	opListExecutions   = "persistence.list_executions"
	opListCollaborator = "persistence.list_collaborators"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      ids.Provider
	RoomIDGenerator func() (string, error)
	ChatSeedLimit   int
	Logger          *zap.Logger
}

type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    ids.Provider
	generateID    func() (string, error)
	chatSeedLimit int
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generateID := cfg.RoomIDGenerator
	if generateID == nil {
		generateID = rooms.GenerateRoomID
	}
	chatSeedLimit := cfg.ChatSeedLimit
	if chatSeedLimit <= 0 {
		chatSeedLimit = defaultChatSeedLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		generateID:    generateID,
		chatSeedLimit: chatSeedLimit,
		logger:        logger,
	}, nil
}

// CreateRoomRequest describes a room to persist.
type CreateRoomRequest struct {
	Name     string
	Language string
	IsPublic bool
	OwnerID  string
}

// CreateRoom persists a new room under a freshly generated id and registers
// the owner as its first collaborator.
func (s *Service) CreateRoom(ctx context.Context, request CreateRoomRequest) (RoomRecord, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return RoomRecord{}, newServiceError(opCreateRoom, "missing_name", errMissingRoomName)
	}
	ownerID := strings.TrimSpace(request.OwnerID)
	if ownerID == "" {
		return RoomRecord{}, newServiceError(opCreateRoom, "missing_owner", errMissingOwner)
	}
	language := strings.TrimSpace(request.Language)
	if language == "" {
		language = rooms.DefaultLanguage
	}

	var created RoomRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		roomID, err := s.allocateRoomID(tx)
		if err != nil {
			s.logError(opCreateRoom, "id_generation_failed", err)
			return newServiceError(opCreateRoom, "id_generation_failed", err)
		}
		now := s.clock().UTC()
		created = RoomRecord{
			RoomID:    roomID,
			Name:      name,
			OwnerID:   ownerID,
			Language:  language,
			Code:      rooms.PlaceholderCode(language),
			IsPublic:  request.IsPublic,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreateRoom, "room_insert_failed", err, zap.String("room_id", roomID))
			return newServiceError(opCreateRoom, "room_insert_failed", err)
		}
		owner := CollaboratorRecord{RoomID: roomID, UserID: ownerID, Role: RoleOwner, JoinedAt: now}
		if err := tx.Create(&owner).Error; err != nil {
			s.logError(opCreateRoom, "owner_insert_failed", err, zap.String("room_id", roomID))
			return newServiceError(opCreateRoom, "owner_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return RoomRecord{}, txErr
	}
	return created, nil
}

// GetRoom loads a room record.
func (s *Service) GetRoom(ctx context.Context, roomID string) (RoomRecord, error) {
	var record RoomRecord
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomRecord{}, ErrRoomNotFound
	}
	if err != nil {
		s.logError(opGetRoom, "query_failed", err, zap.String("room_id", roomID))
		return RoomRecord{}, newServiceError(opGetRoom, "query_failed", err)
	}
	return record, nil
}

// AddCollaborator grants userID access to roomID. Only the owner may do so.
func (s *Service) AddCollaborator(ctx context.Context, roomID, actorID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newServiceError(opAddCollaborator, "missing_user_id", errMissingUserID)
	}
	record, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if record.OwnerID != actorID {
		return ErrAccessDenied
	}
	collaborator := CollaboratorRecord{
		RoomID:   roomID,
		UserID:   userID,
		Role:     RoleCollaborator,
		JoinedAt: s.clock().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&collaborator).Error
	if err != nil {
		s.logError(opAddCollaborator, "insert_failed", err, zap.String("room_id", roomID))
		return newServiceError(opAddCollaborator, "insert_failed", err)
	}
	return nil
}

// ListCollaborators returns every user with explicit access to roomID.
func (s *Service) ListCollaborators(ctx context.Context, roomID string) ([]CollaboratorRecord, error) {
	var collaborators []CollaboratorRecord
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&collaborators).Error; err != nil {
		s.logError(opListCollaborator, "query_failed", err, zap.String("room_id", roomID))
		return nil, newServiceError(opListCollaborator, "query_failed", err)
	}
	return collaborators, nil
}

// CheckAccess admits public rooms, the owner and collaborators.
func (s *Service) CheckAccess(ctx context.Context, roomID, userID string) error {
	record, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if record.IsPublic || record.OwnerID == userID {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&CollaboratorRecord{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error; err != nil {
		s.logError(opCheckAccess, "query_failed", err, zap.String("room_id", roomID))
		return newServiceError(opCheckAccess, "query_failed", err)
	}
	if count == 0 {
		return ErrAccessDenied
	}
	return nil
}

// CanJoin decides whether identity may attach to roomID in realtime.
// Rooms without a durable record are ad hoc and open to everyone. Private
// rooms require a verified identity.
func (s *Service) CanJoin(ctx context.Context, roomID string, identity auth.Identity) error {
	record, err := s.GetRoom(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.IsPublic {
		return nil
	}
	if !identity.Verified() {
		return ErrAccessDenied
	}
	return s.CheckAccess(ctx, roomID, identity.UserID)
}

// LoadSeed reconstructs the initial state of roomID from durable storage.
// The boolean is false when nothing is stored for the room.
func (s *Service) LoadSeed(ctx context.Context, roomID string) (rooms.Seed, bool, error) {
	db := s.db.WithContext(ctx)
	seed := rooms.Seed{}
	found := false

	var snapshot SnapshotRecord
	err := db.Where("room_id = ?", roomID).Take(&snapshot).Error
	switch {
	case err == nil:
		seed.Code = snapshot.Code
		seed.Language = snapshot.Language
		seed.Revision = snapshot.Revision
		found = true
	case errors.Is(err, gorm.ErrRecordNotFound):
		record, roomErr := s.GetRoom(ctx, roomID)
		if roomErr == nil {
			seed.Code = record.Code
			seed.Language = record.Language
			found = true
		} else if !errors.Is(roomErr, ErrRoomNotFound) {
			return rooms.Seed{}, false, roomErr
		}
	default:
		s.logError(opLoadSeed, "snapshot_query_failed", err, zap.String("room_id", roomID))
		return rooms.Seed{}, false, newServiceError(opLoadSeed, "snapshot_query_failed", err)
	}

	var messages []ChatRecord
	if err := db.Where("room_id = ?", roomID).
		Order("sequence DESC").
		Order("sent_at DESC").
		Limit(s.chatSeedLimit).
		Find(&messages).Error; err != nil {
		s.logError(opLoadSeed, "chat_query_failed", err, zap.String("room_id", roomID))
		return rooms.Seed{}, false, newServiceError(opLoadSeed, "chat_query_failed", err)
	}
	if len(messages) > 0 {
		found = true
		seed.ChatLog = make([]rooms.ChatEntry, 0, len(messages))
		for index := len(messages) - 1; index >= 0; index-- {
			message := messages[index]
			seed.ChatLog = append(seed.ChatLog, rooms.ChatEntry{
				Username: message.Username,
				Message:  message.Message,
				SentAt:   message.SentAt.UTC(),
				Sequence: message.Sequence,
			})
			if message.Sequence > seed.Revision {
				seed.Revision = message.Sequence
			}
		}
	}
	return seed, found, nil
}

// ArchiveChat stores an accepted chat message.
func (s *Service) ArchiveChat(ctx context.Context, roomID, userID string, entry rooms.ChatEntry) error {
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opArchiveChat, "id_generation_failed", err, zap.String("room_id", roomID))
		return newServiceError(opArchiveChat, "id_generation_failed", err)
	}
	record := ChatRecord{
		MessageID: messageID,
		RoomID:    roomID,
		UserID:    userID,
		Username:  entry.Username,
		Message:   entry.Message,
		SentAt:    entry.SentAt.UTC(),
		Sequence:  entry.Sequence,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opArchiveChat, "insert_failed", err, zap.String("room_id", roomID))
		return newServiceError(opArchiveChat, "insert_failed", err)
	}
	return nil
}

// SaveSnapshot records the latest buffer of a room. Older revisions never
// overwrite newer ones.
func (s *Service) SaveSnapshot(ctx context.Context, state rooms.State) error {
	record := SnapshotRecord{
		RoomID:    state.RoomID,
		Code:      state.Code,
		Language:  state.Language,
		Revision:  state.Revision,
		UpdatedAt: s.clock().UTC(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SnapshotRecord
		err := tx.Where("room_id = ?", state.RoomID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&record).Error; err != nil {
				return newServiceError(opSaveSnapshot, "insert_failed", err)
			}
			return nil
		}
		if err != nil {
			return newServiceError(opSaveSnapshot, "query_failed", err)
		}
		if existing.Revision > record.Revision {
			return nil
		}
		if err := tx.Save(&record).Error; err != nil {
			return newServiceError(opSaveSnapshot, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSaveSnapshot, "transaction_failed", txErr, zap.String("room_id", state.RoomID))
		return txErr
	}
	return nil
}

// RecordExecution appends an entry to the execution history.
func (s *Service) RecordExecution(ctx context.Context, record ExecutionRecord) error {
	if record.ExecutionID == "" {
		executionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRecordExecution, "id_generation_failed", err, zap.String("room_id", record.RoomID))
			return newServiceError(opRecordExecution, "id_generation_failed", err)
		}
		record.ExecutionID = executionID
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecordExecution, "insert_failed", err, zap.String("room_id", record.RoomID))
		return newServiceError(opRecordExecution, "insert_failed", err)
	}
	return nil
}

// ListExecutions returns the most recent executions of roomID, newest first.
func (s *Service) ListExecutions(ctx context.Context, roomID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []ExecutionRecord
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opListExecutions, "query_failed", err, zap.String("room_id", roomID))
		return nil, newServiceError(opListExecutions, "query_failed", err)
	}
	return records, nil
}

func (s *Service) allocateRoomID(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < roomIDAttempts; attempt++ {
		roomID, err := s.generateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := tx.Model(&RoomRecord{}).Where("room_id = ?", roomID).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return roomID, nil
		}
	}
	return "", errRoomIDExhausted
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("persistence service error", attrs...)
}
