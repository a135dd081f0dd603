package store

import (
	"context"
	"errors"
	"time"

	"github.com/skyblockdynamic/nestworld/pkg/types"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists means a uniqueness constraint was violated.
	ErrAlreadyExists = errors.New("record already exists")
)

// Store is the persistence boundary for islands, teams and the three
// work queues. Implementations must be safe for concurrent use.
type Store interface {
	// Islands.
	CreateIsland(ctx context.Context, island *types.Island) error
	GetIslandByID(ctx context.Context, id uint) (*types.Island, error)
	GetIslandByPlayerUUID(ctx context.Context, playerUUID string) (*types.Island, error)
	GetIslandByTeamID(ctx context.Context, teamID uint) (*types.Island, error)
	ListIslandsByStatus(ctx context.Context, statuses ...types.IslandStatus) ([]types.Island, error)
	CountIslandsByStatus(ctx context.Context, status types.IslandStatus) (int64, error)

	// UpdateIslandStatus is a single atomic UPDATE of the status column
	// plus any extra columns, so concurrent workers never interleave a
	// read-modify-write.
	UpdateIslandStatus(ctx context.Context, id uint, status types.IslandStatus, extra map[string]any) error
	TouchLastSeen(ctx context.Context, id uint, at time.Time) error
	DeleteIsland(ctx context.Context, id uint) error

	// Teams.
	CreateTeam(ctx context.Context, team *types.Team) error
	GetTeamByID(ctx context.Context, id uint) (*types.Team, error)
	GetTeamMemberByPlayerUUID(ctx context.Context, playerUUID string) (*types.TeamMember, error)
	ListTeamMembers(ctx context.Context, teamID uint) ([]types.TeamMember, error)
	AddTeamMember(ctx context.Context, member *types.TeamMember) error
	RemoveTeamMember(ctx context.Context, teamID uint, playerUUID string) error
	DeleteTeam(ctx context.Context, id uint) error

	// Creation queue.
	EnqueueCreation(ctx context.Context, entry *types.CreationQueueEntry) error
	NextPendingCreation(ctx context.Context) (*types.CreationQueueEntry, error)
	SetCreationStatus(ctx context.Context, id uint, status types.QueueItemStatus) error
	DeleteCreationEntry(ctx context.Context, id uint) error
	CountCreationPending(ctx context.Context) (int64, error)

	// RequeueStaleCreationEntries returns PROCESSING entries untouched
	// since before the cutoff to PENDING, reporting how many moved.
	RequeueStaleCreationEntries(ctx context.Context, before time.Time) (int64, error)

	// Start queue.
	EnqueueStart(ctx context.Context, entry *types.StartQueueEntry) error
	NextPendingStart(ctx context.Context) (*types.StartQueueEntry, error)
	SetStartStatus(ctx context.Context, id uint, status types.QueueItemStatus) error
	DeleteStartEntry(ctx context.Context, id uint) error
	CountStartPending(ctx context.Context) (int64, error)
	RequeueStaleStartEntries(ctx context.Context, before time.Time) (int64, error)

	// Update queue.
	EnqueueUpdate(ctx context.Context, entry *types.UpdateQueueEntry) error
	GetUpdateEntryByIslandID(ctx context.Context, islandID uint) (*types.UpdateQueueEntry, error)
	NextPendingUpdate(ctx context.Context, maxRetries int) (*types.UpdateQueueEntry, error)
	SaveUpdateEntry(ctx context.Context, entry *types.UpdateQueueEntry) error
}
