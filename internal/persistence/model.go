package persistence

import "time"

// Collaborator roles.
const (
	RoleOwner        = "owner"
	RoleCollaborator = "collaborator"
)

// RoomRecord is the durable description of a room created through the API.
type RoomRecord struct {
	RoomID    string    `gorm:"column:room_id;primaryKey;size:64;not null" json:"roomId"`
	Name      string    `gorm:"column:name;size:200;not null" json:"name"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index" json:"ownerId"`
	Language  string    `gorm:"column:language;size:32;not null" json:"language"`
	Code      string    `gorm:"column:code;type:text" json:"code"`
	IsPublic  bool      `gorm:"column:is_public;not null" json:"isPublic"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (RoomRecord) TableName() string {
	return "rooms"
}

// CollaboratorRecord grants a user access to a private room.
type CollaboratorRecord struct {
	RoomID   string    `gorm:"column:room_id;primaryKey;size:64;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role     string    `gorm:"column:role;size:32;not null"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
}

func (CollaboratorRecord) TableName() string {
	return "room_collaborators"
}

// SnapshotRecord is the last flushed code buffer of a room.
type SnapshotRecord struct {
	RoomID    string    `gorm:"column:room_id;primaryKey;size:64;not null"`
	Code      string    `gorm:"column:code;type:text"`
	Language  string    `gorm:"column:language;size:32;not null"`
	Revision  int64     `gorm:"column:revision;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (SnapshotRecord) TableName() string {
	return "room_snapshots"
}

// ChatRecord is one archived chat message.
type ChatRecord struct {
	MessageID string    `gorm:"column:message_id;primaryKey;size:64;not null"`
	RoomID    string    `gorm:"column:room_id;size:64;not null;index:idx_chat_room_sent,priority:1"`
	UserID    string    `gorm:"column:user_id;size:190"`
	Username  string    `gorm:"column:username;size:190;not null"`
	Message   string    `gorm:"column:message;type:text;not null"`
	SentAt    time.Time `gorm:"column:sent_at;not null;index:idx_chat_room_sent,priority:2"`
	Sequence  int64     `gorm:"column:sequence;not null;default:0;index:idx_chat_room_sequence"`
}

func (ChatRecord) TableName() string {
	return "room_chat_messages"
}

// ExecutionRecord is one entry of the execution history.
type ExecutionRecord struct {
	ExecutionID    string    `gorm:"column:execution_id;primaryKey;size:64;not null" json:"executionId"`
	RoomID         string    `gorm:"column:room_id;size:64;not null;index:idx_exec_room_created,priority:1" json:"roomId"`
	UserID         string    `gorm:"column:user_id;size:190;index" json:"userId"`
	Username       string    `gorm:"column:username;size:190" json:"username"`
	Language       string    `gorm:"column:language;size:32;not null" json:"language"`
	Code           string    `gorm:"column:code;type:text;not null" json:"code"`
	Stdin          string    `gorm:"column:stdin;type:text" json:"stdin"`
	Output         string    `gorm:"column:output;type:text" json:"output"`
	Stderr         string    `gorm:"column:stderr;type:text" json:"stderr"`
	ExitCode       int       `gorm:"column:exit_code" json:"exitCode"`
	IsError        bool      `gorm:"column:is_error;not null" json:"isError"`
	DurationMillis int64     `gorm:"column:duration_ms" json:"durationMs"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_exec_room_created,priority:2" json:"createdAt"`
}

func (ExecutionRecord) TableName() string {
	return "execution_history"
}

// Models lists every table owned by this package, for schema migration.
func Models() []interface{} {
	return []interface{}{
		&RoomRecord{},
		&CollaboratorRecord{},
		&SnapshotRecord{},
		&ChatRecord{},
		&ExecutionRecord{},
	}
}
