package types

import (
	"time"
)

// IslandStatus represents the lifecycle state of an island container.
type IslandStatus string

const (
	StatusPendingCreation IslandStatus = "PENDING_CREATION"
	StatusStopped         IslandStatus = "STOPPED"
	StatusPendingStart    IslandStatus = "PENDING_START"
	StatusRunning         IslandStatus = "RUNNING"
	StatusPendingFreeze   IslandStatus = "PENDING_FREEZE"
	StatusFrozen          IslandStatus = "FROZEN"
	StatusPendingStop     IslandStatus = "PENDING_STOP"
	StatusPendingUpdate   IslandStatus = "PENDING_UPDATE"
	StatusUpdating        IslandStatus = "UPDATING"
	StatusErrorCreate     IslandStatus = "ERROR_CREATE"
	StatusErrorStart      IslandStatus = "ERROR_START"
	StatusUpdateFailed    IslandStatus = "UPDATE_FAILED"
	StatusError           IslandStatus = "ERROR"
	StatusDeleting        IslandStatus = "DELETING"
	StatusArchived        IslandStatus = "ARCHIVED"
)

// StoppedOrErrored reports whether an island may be deleted from this status.
func (s IslandStatus) StoppedOrErrored() bool {
	switch s {
	case StatusStopped, StatusErrorCreate, StatusErrorStart, StatusUpdateFailed, StatusError:
		return true
	}
	return false
}

// Island represents one containerised game-server instance owned by a team
// or, legacy, by a single player.
type Island struct {
	ID            uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	TeamID        *uint        `gorm:"uniqueIndex" json:"team_id,omitempty"`
	PlayerUUID    *string      `gorm:"size:36;uniqueIndex" json:"player_uuid,omitempty"`
	PlayerName    string       `gorm:"size:16" json:"player_name,omitempty"`
	ContainerName string       `gorm:"size:255;uniqueIndex;not null" json:"container_name"`
	Status        IslandStatus `gorm:"size:32;index;not null" json:"status"`

	InternalIP     *string `gorm:"size:45" json:"internal_ip,omitempty"`
	InternalPort   *int    `json:"internal_port,omitempty"`
	MinecraftReady bool    `gorm:"not null;default:false" json:"minecraft_ready"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastSeenAt *time.Time `gorm:"index" json:"last_seen_at,omitempty"`
}

// Team is a named group of players sharing an island.
type Team struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:255;uniqueIndex;not null" json:"name"`
	OwnerUUID string    `gorm:"size:36;index;not null" json:"owner_uuid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemberRole is a player's role inside a team.
type MemberRole string

const (
	RoleOwner     MemberRole = "owner"
	RoleModerator MemberRole = "moderator"
	RoleMember    MemberRole = "member"
)

// TeamMember links a player to a team. (TeamID, PlayerUUID) is unique.
type TeamMember struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	TeamID     uint       `gorm:"not null;uniqueIndex:uq_team_player" json:"team_id"`
	PlayerUUID string     `gorm:"size:36;not null;uniqueIndex:uq_team_player;index" json:"player_uuid"`
	Role       MemberRole `gorm:"size:16;not null;default:member" json:"role"`
	JoinedAt   time.Time  `gorm:"autoCreateTime" json:"joined_at"`
}

// QueueItemStatus is the state of an admission queue entry.
type QueueItemStatus string

const (
	QueuePending    QueueItemStatus = "PENDING"
	QueueProcessing QueueItemStatus = "PROCESSING"
	QueueFailed     QueueItemStatus = "FAILED"
)

// CreationQueueEntry holds a creation request deferred by the running cap.
type CreationQueueEntry struct {
	ID          uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	PlayerUUID  string          `gorm:"size:36;uniqueIndex;not null" json:"player_uuid"`
	PlayerName  string          `gorm:"size:16" json:"player_name,omitempty"`
	Status      QueueItemStatus `gorm:"size:16;index;not null;default:PENDING" json:"status"`
	RequestedAt time.Time       `gorm:"autoCreateTime;index" json:"requested_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StartQueueEntry holds a start request deferred by the running cap.
type StartQueueEntry struct {
	ID          uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	PlayerUUID  string          `gorm:"size:36;uniqueIndex;not null" json:"player_uuid"`
	PlayerName  string          `gorm:"size:16" json:"player_name,omitempty"`
	Status      QueueItemStatus `gorm:"size:16;index;not null;default:PENDING" json:"status"`
	RequestedAt time.Time       `gorm:"autoCreateTime;index" json:"requested_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UpdateQueueStatus is the state of a fleet update queue entry.
type UpdateQueueStatus string

const (
	UpdatePending    UpdateQueueStatus = "PENDING"
	UpdateProcessing UpdateQueueStatus = "PROCESSING"
	UpdateCompleted  UpdateQueueStatus = "COMPLETED"
	UpdateFailed     UpdateQueueStatus = "FAILED"
)

// UpdateQueueEntry schedules one island for a fleet update.
type UpdateQueueEntry struct {
	ID           uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	IslandID     uint              `gorm:"uniqueIndex;not null" json:"island_id"`
	Status       UpdateQueueStatus `gorm:"size:16;index;not null;default:PENDING" json:"status"`
	AddedAt      time.Time         `gorm:"autoCreateTime" json:"added_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	RetryCount   int               `gorm:"not null;default:0" json:"retry_count"`
	ErrorMessage *string           `json:"error_message,omitempty"`
}

// IslandView is the client-facing projection of an island.
type IslandView struct {
	ID             uint         `json:"id"`
	TeamID         *uint        `json:"team_id,omitempty"`
	PlayerUUID     *string      `json:"player_uuid,omitempty"`
	ContainerName  string       `json:"container_name"`
	Status         IslandStatus `json:"status"`
	InternalIP     *string      `json:"internal_ip,omitempty"`
	InternalPort   *int         `json:"internal_port,omitempty"`
	MinecraftReady bool         `json:"minecraft_ready"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ViewOf projects an island row into its client-facing form.
func ViewOf(i *Island) IslandView {
	return IslandView{
		ID:             i.ID,
		TeamID:         i.TeamID,
		PlayerUUID:     i.PlayerUUID,
		ContainerName:  i.ContainerName,
		Status:         i.Status,
		InternalIP:     i.InternalIP,
		InternalPort:   i.InternalPort,
		MinecraftReady: i.MinecraftReady,
		UpdatedAt:      i.UpdatedAt,
	}
}

// TeamView is the client-facing projection of a team with its members and island.
type TeamView struct {
	Team    Team         `json:"team"`
	Members []TeamMember `json:"members"`
	Island  *IslandView  `json:"island,omitempty"`
}

// UpdateStrategy selects how the update worker applies a fleet update.
type UpdateStrategy string

const (
	StrategyFiles UpdateStrategy = "files"
	StrategyImage UpdateStrategy = "image"
)
