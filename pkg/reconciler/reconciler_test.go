package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/skyblockdynamic/nestworld/pkg/bus"
	"github.com/skyblockdynamic/nestworld/pkg/config"
	"github.com/skyblockdynamic/nestworld/pkg/driver"
	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/types"
)

// mapDriver serves states from a fixed map; missing names are NotFound.
type mapDriver struct {
	states map[string]driver.State
	broken map[string]bool
}

func (d *mapDriver) GetState(_ context.Context, name string) (*driver.State, error) {
	if d.broken[name] {
		return nil, fmt.Errorf("%s: %w", name, driver.ErrUnavailable)
	}
	st, ok := d.states[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, driver.ErrNotFound)
	}
	return &st, nil
}

func (d *mapDriver) Clone(context.Context, string, string, []string) error { return nil }
func (d *mapDriver) Start(context.Context, string) error                   { return nil }
func (d *mapDriver) Stop(context.Context, string, bool) error              { return nil }
func (d *mapDriver) Freeze(context.Context, string) error                  { return nil }
func (d *mapDriver) Unfreeze(context.Context, string) error                { return nil }
func (d *mapDriver) Delete(context.Context, string) error                  { return nil }

func (d *mapDriver) WaitIPv4(context.Context, string, int, time.Duration) (string, error) {
	return "", nil
}

func (d *mapDriver) PushFile(context.Context, string, driver.FilePush) error { return nil }

func (d *mapDriver) PullFile(context.Context, string, string) ([]byte, error) {
	return nil, nil
}

func (d *mapDriver) Exec(context.Context, string, []string, map[string]string) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (d *mapDriver) CreateSnapshot(context.Context, string, string) error  { return nil }
func (d *mapDriver) RestoreSnapshot(context.Context, string, string) error { return nil }
func (d *mapDriver) DeleteSnapshot(context.Context, string, string) error  { return nil }
func (d *mapDriver) ListSnapshots(context.Context, string) ([]driver.Snapshot, error) {
	return nil, nil
}

// recordingBus records publishes and controls the leader claim.
type recordingBus struct {
	mu        sync.Mutex
	published []bus.Envelope
	claimed   bool
}

func (b *recordingBus) Publish(_ context.Context, recipientIDs []string, event bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, bus.Envelope{RecipientIDs: recipientIDs, Event: event})
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, _ bus.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *recordingBus) SetIfNotExists(context.Context, string, string, time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		return false, nil
	}
	b.claimed = true
	return true, nil
}

func (b *recordingBus) Close() error { return nil }

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:reconciler_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	st := store.NewGormStore(db)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return st
}

func seed(t *testing.T, st *store.GormStore, name string, status types.IslandStatus, ip string) *types.Island {
	t.Helper()
	uuid := "uuid-" + name
	island := &types.Island{
		PlayerUUID:    &uuid,
		ContainerName: name,
		Status:        status,
	}
	if ip != "" {
		island.InternalIP = &ip
	}
	require.NoError(t, st.CreateIsland(context.Background(), island))
	return island
}

func TestReconcileTruthTable(t *testing.T) {
	tests := []struct {
		name       string
		dbStatus   types.IslandStatus
		dbIP       string
		driver     *driver.State // nil means NotFound
		wantStatus types.IslandStatus
		wantIP     *string
	}{
		{
			name:     "running matches",
			dbStatus: types.StatusRunning, dbIP: "10.0.0.1",
			driver:     &driver.State{Status: driver.StatusRunning, IPv4: "10.0.0.1"},
			wantStatus: types.StatusRunning, wantIP: strptr("10.0.0.1"),
		},
		{
			name:     "running with new address",
			dbStatus: types.StatusRunning, dbIP: "10.0.0.1",
			driver:     &driver.State{Status: driver.StatusRunning, IPv4: "10.0.0.9"},
			wantStatus: types.StatusRunning, wantIP: strptr("10.0.0.9"),
		},
		{
			name:     "running but frozen",
			dbStatus: types.StatusRunning, dbIP: "10.0.0.1",
			driver:     &driver.State{Status: driver.StatusFrozen},
			wantStatus: types.StatusFrozen,
		},
		{
			name:     "running but stopped",
			dbStatus: types.StatusRunning, dbIP: "10.0.0.1",
			driver:     &driver.State{Status: driver.StatusStopped},
			wantStatus: types.StatusStopped, wantIP: nil,
		},
		{
			name:     "running but gone",
			dbStatus: types.StatusRunning, dbIP: "10.0.0.1",
			driver:     nil,
			wantStatus: types.StatusError, wantIP: nil,
		},
		{
			name:     "frozen but running",
			dbStatus: types.StatusFrozen, dbIP: "10.0.0.1",
			driver:     &driver.State{Status: driver.StatusRunning, IPv4: "10.0.0.2"},
			wantStatus: types.StatusRunning, wantIP: strptr("10.0.0.2"),
		},
		{
			name:       "pending start running with address",
			dbStatus:   types.StatusPendingStart,
			driver:     &driver.State{Status: driver.StatusRunning, IPv4: "10.0.0.3"},
			wantStatus: types.StatusRunning, wantIP: strptr("10.0.0.3"),
		},
		{
			name:       "pending start running without address",
			dbStatus:   types.StatusPendingStart,
			driver:     &driver.State{Status: driver.StatusRunning},
			wantStatus: types.StatusErrorStart,
		},
		{
			name:     "pending stop still running",
			dbStatus: types.StatusPendingStop, dbIP: "10.0.0.1",
			driver:     &driver.State{Status: driver.StatusRunning, IPv4: "10.0.0.1"},
			wantStatus: types.StatusRunning,
		},
		{
			name:     "pending stop stopped",
			dbStatus: types.StatusPendingStop, dbIP: "10.0.0.1",
			driver:     &driver.State{Status: driver.StatusStopped},
			wantStatus: types.StatusStopped, wantIP: nil,
		},
		{
			name:       "error start stays on stopped container",
			dbStatus:   types.StatusErrorStart,
			driver:     &driver.State{Status: driver.StatusStopped},
			wantStatus: types.StatusErrorStart,
		},
		{
			name:       "error start recovers when running",
			dbStatus:   types.StatusErrorStart,
			driver:     &driver.State{Status: driver.StatusRunning, IPv4: "10.0.0.4"},
			wantStatus: types.StatusRunning, wantIP: strptr("10.0.0.4"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			island := seed(t, st, "isle", tt.dbStatus, tt.dbIP)

			drv := &mapDriver{states: map[string]driver.State{}}
			if tt.driver != nil {
				drv.states["isle"] = *tt.driver
			}

			r := New(st, drv, &recordingBus{}, &config.Config{DefaultMCPortInternal: 25565})
			require.NoError(t, r.Reconcile(context.Background()))

			got, err := st.GetIslandByID(context.Background(), island.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			if tt.wantIP == nil {
				if tt.wantStatus == types.StatusStopped || tt.wantStatus == types.StatusError {
					assert.Nil(t, got.InternalIP)
				}
			} else {
				require.NotNil(t, got.InternalIP)
				assert.Equal(t, *tt.wantIP, *got.InternalIP)
			}
		})
	}
}

func TestReconcileGonePublishesUpdate(t *testing.T) {
	st := newTestStore(t)
	island := seed(t, st, "isle", types.StatusRunning, "10.0.0.1")

	eventBus := &recordingBus{}
	r := New(st, &mapDriver{states: map[string]driver.State{}}, eventBus, &config.Config{})
	require.NoError(t, r.Run(context.Background()))

	got, err := st.GetIslandByID(context.Background(), island.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Nil(t, got.InternalIP)
	assert.False(t, got.MinecraftReady)

	eventBus.mu.Lock()
	defer eventBus.mu.Unlock()
	require.Len(t, eventBus.published, 1)
	assert.Equal(t, bus.EventIslandUpdated, eventBus.published[0].Event.Type)
	assert.Equal(t, []string{"uuid-isle"}, eventBus.published[0].RecipientIDs)
}

func TestReconcileSkipsBrokenIslands(t *testing.T) {
	st := newTestStore(t)
	bad := seed(t, st, "isle-bad", types.StatusRunning, "10.0.0.1")
	good := seed(t, st, "isle-good", types.StatusPendingStop, "10.0.0.2")

	drv := &mapDriver{
		states: map[string]driver.State{
			"isle-good": {Status: driver.StatusStopped},
		},
		broken: map[string]bool{"isle-bad": true},
	}
	r := New(st, drv, &recordingBus{}, &config.Config{})
	require.NoError(t, r.Reconcile(context.Background()))

	// The broken island keeps its status, the healthy one is fixed.
	gotBad, err := st.GetIslandByID(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, gotBad.Status)

	gotGood, err := st.GetIslandByID(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, gotGood.Status)
}

func TestRunOnlyLeaderReconciles(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "isle", types.StatusRunning, "10.0.0.1")

	eventBus := &recordingBus{}
	drv := &mapDriver{states: map[string]driver.State{}}

	first := New(st, drv, eventBus, &config.Config{})
	require.NoError(t, first.Run(context.Background()))

	// The island is already ERROR; a second Run must not win the claim.
	require.NoError(t, st.UpdateIslandStatus(context.Background(), 1, types.StatusRunning, nil))
	second := New(st, drv, eventBus, &config.Config{})
	require.NoError(t, second.Run(context.Background()))

	got, err := st.GetIslandByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func strptr(s string) *string { return &s }
