package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/skyblockdynamic/nestworld/pkg/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	s := NewGormStore(db)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		require.NoError(t, err)
		sqlDB.Close()
	})
	return s
}

func strptr(s string) *string { return &s }

func TestIslandCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	island := &types.Island{
		PlayerUUID:    strptr("11111111-1111-1111-1111-111111111111"),
		PlayerName:    "steve",
		ContainerName: "skyblock-Steve-1a2b3c4d",
		Status:        types.StatusPendingCreation,
	}
	require.NoError(t, s.CreateIsland(ctx, island))
	require.NotZero(t, island.ID)

	got, err := s.GetIslandByPlayerUUID(ctx, "11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, island.ID, got.ID)
	assert.Equal(t, types.StatusPendingCreation, got.Status)

	_, err = s.GetIslandByPlayerUUID(ctx, "22222222-2222-2222-2222-222222222222")
	assert.ErrorIs(t, err, ErrNotFound)

	// Duplicate container name.
	err = s.CreateIsland(ctx, &types.Island{
		PlayerUUID:    strptr("33333333-3333-3333-3333-333333333333"),
		ContainerName: "skyblock-Steve-1a2b3c4d",
		Status:        types.StatusPendingCreation,
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, s.DeleteIsland(ctx, island.ID))
	_, err = s.GetIslandByID(ctx, island.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateIslandStatusAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	island := &types.Island{
		PlayerUUID:    strptr("11111111-1111-1111-1111-111111111111"),
		ContainerName: "isle-1",
		Status:        types.StatusPendingStart,
	}
	require.NoError(t, s.CreateIsland(ctx, island))

	err := s.UpdateIslandStatus(ctx, island.ID, types.StatusRunning, map[string]any{
		"internal_ip":   "10.140.0.9",
		"internal_port": 25565,
	})
	require.NoError(t, err)

	got, err := s.GetIslandByID(ctx, island.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	require.NotNil(t, got.InternalIP)
	assert.Equal(t, "10.140.0.9", *got.InternalIP)
	require.NotNil(t, got.InternalPort)
	assert.Equal(t, 25565, *got.InternalPort)

	// Clearing on stop.
	err = s.UpdateIslandStatus(ctx, island.ID, types.StatusStopped, map[string]any{
		"internal_ip":     nil,
		"internal_port":   nil,
		"minecraft_ready": false,
	})
	require.NoError(t, err)

	got, err = s.GetIslandByID(ctx, island.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Nil(t, got.InternalIP)
	assert.False(t, got.MinecraftReady)

	// Missing island.
	err = s.UpdateIslandStatus(ctx, 9999, types.StatusRunning, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndCountByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []types.IslandStatus{
		types.StatusRunning, types.StatusRunning, types.StatusFrozen, types.StatusStopped,
	} {
		require.NoError(t, s.CreateIsland(ctx, &types.Island{
			PlayerUUID:    strptr(fmt.Sprintf("uuid-%d", i)),
			ContainerName: fmt.Sprintf("isle-%d", i),
			Status:        status,
		}))
	}

	running, err := s.CountIslandsByStatus(ctx, types.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, int64(2), running)

	active, err := s.ListIslandsByStatus(ctx, types.StatusRunning, types.StatusFrozen)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestTeamMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	team := &types.Team{Name: "redstone-crew", OwnerUUID: "owner-uuid"}
	require.NoError(t, s.CreateTeam(ctx, team))

	require.NoError(t, s.AddTeamMember(ctx, &types.TeamMember{
		TeamID: team.ID, PlayerUUID: "owner-uuid", Role: types.RoleOwner,
	}))
	require.NoError(t, s.AddTeamMember(ctx, &types.TeamMember{
		TeamID: team.ID, PlayerUUID: "member-uuid", Role: types.RoleMember,
	}))

	// Same player twice in one team.
	err := s.AddTeamMember(ctx, &types.TeamMember{
		TeamID: team.ID, PlayerUUID: "member-uuid", Role: types.RoleMember,
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	members, err := s.ListTeamMembers(ctx, team.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	member, err := s.GetTeamMemberByPlayerUUID(ctx, "member-uuid")
	require.NoError(t, err)
	assert.Equal(t, team.ID, member.TeamID)

	require.NoError(t, s.RemoveTeamMember(ctx, team.ID, "member-uuid"))
	err = s.RemoveTeamMember(ctx, team.ID, "member-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreationQueueFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &types.CreationQueueEntry{PlayerUUID: "uuid-1", Status: types.QueuePending, RequestedAt: time.Now().Add(-2 * time.Minute)}
	second := &types.CreationQueueEntry{PlayerUUID: "uuid-2", Status: types.QueuePending, RequestedAt: time.Now().Add(-1 * time.Minute)}
	require.NoError(t, s.EnqueueCreation(ctx, second))
	require.NoError(t, s.EnqueueCreation(ctx, first))

	// Duplicate player.
	err := s.EnqueueCreation(ctx, &types.CreationQueueEntry{PlayerUUID: "uuid-1", Status: types.QueuePending})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	next, err := s.NextPendingCreation(ctx)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", next.PlayerUUID)

	require.NoError(t, s.SetCreationStatus(ctx, next.ID, types.QueueProcessing))
	next, err = s.NextPendingCreation(ctx)
	require.NoError(t, err)
	assert.Equal(t, "uuid-2", next.PlayerUUID)

	require.NoError(t, s.DeleteCreationEntry(ctx, next.ID))
	pending, err := s.CountCreationPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestRequeueStaleProcessingEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := &types.CreationQueueEntry{PlayerUUID: "uuid-stale", Status: types.QueueProcessing}
	fresh := &types.CreationQueueEntry{PlayerUUID: "uuid-fresh", Status: types.QueueProcessing}
	require.NoError(t, s.EnqueueCreation(ctx, stale))
	require.NoError(t, s.EnqueueCreation(ctx, fresh))
	require.NoError(t, s.db.Model(&types.CreationQueueEntry{}).
		Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	n, err := s.RequeueStaleCreationEntries(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Only the abandoned claim comes back.
	next, err := s.NextPendingCreation(ctx)
	require.NoError(t, err)
	assert.Equal(t, "uuid-stale", next.PlayerUUID)

	entry := &types.StartQueueEntry{PlayerUUID: "uuid-start", Status: types.QueueProcessing}
	require.NoError(t, s.EnqueueStart(ctx, entry))
	require.NoError(t, s.db.Model(&types.StartQueueEntry{}).
		Where("id = ?", entry.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	n, err = s.RequeueStaleStartEntries(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.NextPendingStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, "uuid-start", got.PlayerUUID)
}

func TestUpdateQueueRetryGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &types.UpdateQueueEntry{IslandID: 7, Status: types.UpdatePending}
	require.NoError(t, s.EnqueueUpdate(ctx, entry))

	// One entry per island.
	err := s.EnqueueUpdate(ctx, &types.UpdateQueueEntry{IslandID: 7, Status: types.UpdatePending})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	next, err := s.NextPendingUpdate(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint(7), next.IslandID)

	// A failed entry stays eligible until it exhausts its retries.
	next.Status = types.UpdateFailed
	next.RetryCount = 2
	require.NoError(t, s.SaveUpdateEntry(ctx, next))

	again, err := s.NextPendingUpdate(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, next.ID, again.ID)

	again.RetryCount = 3
	require.NoError(t, s.SaveUpdateEntry(ctx, again))
	_, err = s.NextPendingUpdate(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}
