package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/skyblockdynamic/nestworld/pkg/types"
)

// GormStore implements Store on top of a GORM connection.
type GormStore struct {
	db *gorm.DB
}

// Open connects to PostgreSQL and returns a ready store.
func Open(databaseURL string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing connection; used by tests with sqlite.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the schema for every model.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(
		&types.Team{},
		&types.TeamMember{},
		&types.Island{},
		&types.CreationQueueEntry{},
		&types.StartQueueEntry{},
		&types.UpdateQueueEntry{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint"),
		strings.Contains(err.Error(), "duplicate key"):
		return ErrAlreadyExists
	default:
		return err
	}
}

// --- Islands ---

func (s *GormStore) CreateIsland(ctx context.Context, island *types.Island) error {
	return translateError(s.db.WithContext(ctx).Create(island).Error)
}

func (s *GormStore) GetIslandByID(ctx context.Context, id uint) (*types.Island, error) {
	var island types.Island
	if err := s.db.WithContext(ctx).First(&island, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &island, nil
}

func (s *GormStore) GetIslandByPlayerUUID(ctx context.Context, playerUUID string) (*types.Island, error) {
	var island types.Island
	err := s.db.WithContext(ctx).Where("player_uuid = ?", playerUUID).First(&island).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &island, nil
}

func (s *GormStore) GetIslandByTeamID(ctx context.Context, teamID uint) (*types.Island, error) {
	var island types.Island
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).First(&island).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &island, nil
}

func (s *GormStore) ListIslandsByStatus(ctx context.Context, statuses ...types.IslandStatus) ([]types.Island, error) {
	var islands []types.Island
	err := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("id").Find(&islands).Error
	if err != nil {
		return nil, translateError(err)
	}
	return islands, nil
}

func (s *GormStore) CountIslandsByStatus(ctx context.Context, status types.IslandStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Island{}).Where("status = ?", status).Count(&count).Error
	return count, translateError(err)
}

func (s *GormStore) UpdateIslandStatus(ctx context.Context, id uint, status types.IslandStatus, extra map[string]any) error {
	updates := map[string]any{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&types.Island{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) TouchLastSeen(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&types.Island{}).Where("id = ?", id).
		Update("last_seen_at", at)
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteIsland(ctx context.Context, id uint) error {
	return translateError(s.db.WithContext(ctx).Delete(&types.Island{}, id).Error)
}

// --- Teams ---

func (s *GormStore) CreateTeam(ctx context.Context, team *types.Team) error {
	return translateError(s.db.WithContext(ctx).Create(team).Error)
}

func (s *GormStore) GetTeamByID(ctx context.Context, id uint) (*types.Team, error) {
	var team types.Team
	if err := s.db.WithContext(ctx).First(&team, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &team, nil
}

func (s *GormStore) GetTeamMemberByPlayerUUID(ctx context.Context, playerUUID string) (*types.TeamMember, error) {
	var member types.TeamMember
	err := s.db.WithContext(ctx).Where("player_uuid = ?", playerUUID).First(&member).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &member, nil
}

func (s *GormStore) ListTeamMembers(ctx context.Context, teamID uint) ([]types.TeamMember, error) {
	var members []types.TeamMember
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Order("id").Find(&members).Error
	if err != nil {
		return nil, translateError(err)
	}
	return members, nil
}

func (s *GormStore) AddTeamMember(ctx context.Context, member *types.TeamMember) error {
	return translateError(s.db.WithContext(ctx).Create(member).Error)
}

func (s *GormStore) RemoveTeamMember(ctx context.Context, teamID uint, playerUUID string) error {
	res := s.db.WithContext(ctx).
		Where("team_id = ? AND player_uuid = ?", teamID, playerUUID).
		Delete(&types.TeamMember{})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteTeam(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Where("team_id = ?", id).Delete(&types.TeamMember{}).Error; err != nil {
		return translateError(err)
	}
	return translateError(s.db.WithContext(ctx).Delete(&types.Team{}, id).Error)
}

// --- Creation queue ---

func (s *GormStore) EnqueueCreation(ctx context.Context, entry *types.CreationQueueEntry) error {
	return translateError(s.db.WithContext(ctx).Create(entry).Error)
}

func (s *GormStore) NextPendingCreation(ctx context.Context) (*types.CreationQueueEntry, error) {
	var entry types.CreationQueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ?", types.QueuePending).
		Order("requested_at").
		First(&entry).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

func (s *GormStore) SetCreationStatus(ctx context.Context, id uint, status types.QueueItemStatus) error {
	res := s.db.WithContext(ctx).Model(&types.CreationQueueEntry{}).
		Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteCreationEntry(ctx context.Context, id uint) error {
	return translateError(s.db.WithContext(ctx).Delete(&types.CreationQueueEntry{}, id).Error)
}

func (s *GormStore) CountCreationPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.CreationQueueEntry{}).
		Where("status = ?", types.QueuePending).Count(&count).Error
	return count, translateError(err)
}

func (s *GormStore) RequeueStaleCreationEntries(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&types.CreationQueueEntry{}).
		Where("status = ? AND updated_at < ?", types.QueueProcessing, before).
		Update("status", types.QueuePending)
	return res.RowsAffected, translateError(res.Error)
}

// --- Start queue ---

func (s *GormStore) EnqueueStart(ctx context.Context, entry *types.StartQueueEntry) error {
	return translateError(s.db.WithContext(ctx).Create(entry).Error)
}

func (s *GormStore) NextPendingStart(ctx context.Context) (*types.StartQueueEntry, error) {
	var entry types.StartQueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ?", types.QueuePending).
		Order("requested_at").
		First(&entry).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

func (s *GormStore) SetStartStatus(ctx context.Context, id uint, status types.QueueItemStatus) error {
	res := s.db.WithContext(ctx).Model(&types.StartQueueEntry{}).
		Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteStartEntry(ctx context.Context, id uint) error {
	return translateError(s.db.WithContext(ctx).Delete(&types.StartQueueEntry{}, id).Error)
}

func (s *GormStore) CountStartPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.StartQueueEntry{}).
		Where("status = ?", types.QueuePending).Count(&count).Error
	return count, translateError(err)
}

func (s *GormStore) RequeueStaleStartEntries(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&types.StartQueueEntry{}).
		Where("status = ? AND updated_at < ?", types.QueueProcessing, before).
		Update("status", types.QueuePending)
	return res.RowsAffected, translateError(res.Error)
}

// --- Update queue ---

func (s *GormStore) EnqueueUpdate(ctx context.Context, entry *types.UpdateQueueEntry) error {
	return translateError(s.db.WithContext(ctx).Create(entry).Error)
}

func (s *GormStore) GetUpdateEntryByIslandID(ctx context.Context, islandID uint) (*types.UpdateQueueEntry, error) {
	var entry types.UpdateQueueEntry
	err := s.db.WithContext(ctx).Where("island_id = ?", islandID).First(&entry).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

func (s *GormStore) NextPendingUpdate(ctx context.Context, maxRetries int) (*types.UpdateQueueEntry, error) {
	var entry types.UpdateQueueEntry
	err := s.db.WithContext(ctx).
		Where("status IN ? AND retry_count < ?",
			[]types.UpdateQueueStatus{types.UpdatePending, types.UpdateFailed}, maxRetries).
		Order("id").
		First(&entry).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

func (s *GormStore) SaveUpdateEntry(ctx context.Context, entry *types.UpdateQueueEntry) error {
	return translateError(s.db.WithContext(ctx).Save(entry).Error)
}
