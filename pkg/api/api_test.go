package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/skyblockdynamic/nestworld/pkg/bus"
	"github.com/skyblockdynamic/nestworld/pkg/config"
	"github.com/skyblockdynamic/nestworld/pkg/driver"
	"github.com/skyblockdynamic/nestworld/pkg/kernel"
	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/types"
)

const (
	steveUUID = "7f5a3c9e-1b2d-4e6f-8a90-123456789abc"
	alexUUID  = "0d9e8f7a-6b5c-4d3e-2f10-fedcba987654"
	adminKey  = "test-admin-key"
)

// okDriver succeeds at everything and hands out a fixed address.
type okDriver struct{}

func (okDriver) Clone(context.Context, string, string, []string) error { return nil }
func (okDriver) Start(context.Context, string) error                   { return nil }
func (okDriver) Stop(context.Context, string, bool) error              { return nil }
func (okDriver) Freeze(context.Context, string) error                  { return nil }
func (okDriver) Unfreeze(context.Context, string) error                { return nil }
func (okDriver) Delete(context.Context, string) error                  { return nil }

func (okDriver) GetState(context.Context, string) (*driver.State, error) {
	return &driver.State{Status: driver.StatusRunning, IPv4: "10.140.0.40"}, nil
}

func (okDriver) WaitIPv4(context.Context, string, int, time.Duration) (string, error) {
	return "10.140.0.40", nil
}

func (okDriver) PushFile(context.Context, string, driver.FilePush) error { return nil }
func (okDriver) PullFile(context.Context, string, string) ([]byte, error) {
	return nil, nil
}
func (okDriver) Exec(context.Context, string, []string, map[string]string) (*driver.ExecResult, error) {
	return &driver.ExecResult{}, nil
}
func (okDriver) CreateSnapshot(context.Context, string, string) error { return nil }
func (okDriver) RestoreSnapshot(context.Context, string, string) error {
	return nil
}
func (okDriver) DeleteSnapshot(context.Context, string, string) error { return nil }
func (okDriver) ListSnapshots(context.Context, string) ([]driver.Snapshot, error) {
	return []driver.Snapshot{{Name: "pre-update", CreatedAt: time.Now()}}, nil
}

type nopBus struct{}

func (nopBus) Publish(context.Context, []string, bus.Event) error { return nil }
func (nopBus) Subscribe(ctx context.Context, _ bus.Handler) error { <-ctx.Done(); return ctx.Err() }
func (nopBus) SetIfNotExists(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (nopBus) Close() error { return nil }

func newTestServer(t *testing.T, maxRunning int) (*httptest.Server, *store.GormStore, *bus.Registry) {
	t.Helper()
	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", t.Name())
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

	cfg := &config.Config{
		LXDBaseImage:          "skyblock-template",
		LXDDefaultProfiles:    []string{"default"},
		LXDIPRetryAttempts:    2,
		MaxRunningServers:     maxRunning,
		DefaultMCPortInternal: 25565,
	}
	k := kernel.New(st, okDriver{}, nopBus{}, cfg)
	registry := bus.NewRegistry()
	srv := httptest.NewServer(NewServer(k, registry, adminKey).Handler())
	t.Cleanup(srv.Close)
	return srv, st, registry
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func strptr(s string) *string { return &s }

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateIslandAccepted(t *testing.T) {
	srv, st, _ := newTestServer(t, 5)

	resp := postJSON(t, srv.URL+"/api/v1/islands", map[string]string{
		"player_uuid": steveUUID,
		"player_name": "Steve",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode(t, resp)
	assert.Contains(t, body["container_name"], "skyblock-Steve")

	// A second request for the same player conflicts.
	resp = postJSON(t, srv.URL+"/api/v1/islands", map[string]string{
		"player_uuid": steveUUID,
		"player_name": "Steve",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	island, err := st.GetIslandByPlayerUUID(context.Background(), steveUUID)
	require.NoError(t, err)
	assert.NotZero(t, island.ID)
}

func TestCreateIslandQueuedAtCapacity(t *testing.T) {
	srv, st, _ := newTestServer(t, 1)

	require.NoError(t, st.CreateIsland(context.Background(), &types.Island{
		PlayerUUID:    strptr(alexUUID),
		ContainerName: "isle-busy",
		Status:        types.StatusRunning,
	}))

	resp := postJSON(t, srv.URL+"/api/v1/islands", map[string]string{
		"player_uuid": steveUUID,
		"player_name": "Steve",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, decode(t, resp)["queued"])

	pending, err := st.CountCreationPending(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestCreateIslandRejectsBadUUID(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)
	resp := postJSON(t, srv.URL+"/api/v1/islands", map[string]string{
		"player_uuid": "not-a-uuid",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetIslandNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)
	resp, err := http.Get(srv.URL + "/api/v1/islands/me?player_uuid=" + steveUUID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopIslandInvalidState(t *testing.T) {
	srv, st, _ := newTestServer(t, 1)

	require.NoError(t, st.CreateIsland(context.Background(), &types.Island{
		PlayerUUID:    strptr(steveUUID),
		ContainerName: "isle-new",
		Status:        types.StatusPendingCreation,
	}))

	resp := postJSON(t, srv.URL+"/api/v1/islands/stop", map[string]string{
		"player_uuid": steveUUID,
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMarkReadyFlow(t *testing.T) {
	srv, st, _ := newTestServer(t, 1)

	ip := "10.140.0.40"
	require.NoError(t, st.CreateIsland(context.Background(), &types.Island{
		PlayerUUID:    strptr(steveUUID),
		ContainerName: "isle-run",
		Status:        types.StatusRunning,
		InternalIP:    &ip,
	}))

	resp := postJSON(t, srv.URL+"/api/v1/islands/ready", map[string]string{
		"player_uuid": steveUUID,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	island, err := st.GetIslandByPlayerUUID(context.Background(), steveUUID)
	require.NoError(t, err)
	assert.True(t, island.MinecraftReady)

	// Marking twice is a conflict.
	resp = postJSON(t, srv.URL+"/api/v1/islands/ready", map[string]string{
		"player_uuid": steveUUID,
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	srv, st, _ := newTestServer(t, 1)

	island := &types.Island{
		PlayerUUID:    strptr(steveUUID),
		ContainerName: "isle-upd",
		Status:        types.StatusStopped,
	}
	require.NoError(t, st.CreateIsland(context.Background(), island))

	body := map[string]uint{"island_id": island.ID}

	resp := postJSON(t, srv.URL+"/api/v1/admin/updates/queue", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/admin/updates/queue", body, map[string]string{
		"X-Admin-Key": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/admin/updates/queue", body, map[string]string{
		"X-Admin-Key": adminKey,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	entry, err := st.GetUpdateEntryByIslandID(context.Background(), island.ID)
	require.NoError(t, err)
	assert.Equal(t, types.UpdatePending, entry.Status)
}

func TestAdminDeleteIsland(t *testing.T) {
	srv, st, _ := newTestServer(t, 1)

	island := &types.Island{
		PlayerUUID:    strptr(steveUUID),
		ContainerName: "isle-del",
		Status:        types.StatusStopped,
	}
	require.NoError(t, st.CreateIsland(context.Background(), island))

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/v1/admin/islands/%d", srv.URL, island.ID), nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Key", adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, err := st.GetIslandByID(context.Background(), island.ID)
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdminSnapshotRoutes(t *testing.T) {
	srv, st, _ := newTestServer(t, 1)

	island := &types.Island{
		PlayerUUID:    strptr(steveUUID),
		ContainerName: "isle-snap",
		Status:        types.StatusStopped,
	}
	require.NoError(t, st.CreateIsland(context.Background(), island))

	listURL := fmt.Sprintf("%s/api/v1/admin/islands/%d/snapshots", srv.URL, island.ID)

	// No key, no snapshots.
	req, err := http.NewRequest(http.MethodGet, listURL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, listURL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Key", adminKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	snapshots, ok := body["snapshots"].([]any)
	require.True(t, ok)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "pre-update", snapshots[0].(map[string]any)["name"])

	// Restoring a stopped island succeeds.
	resp = postJSON(t, listURL+"/pre-update/restore", nil, map[string]string{
		"X-Admin-Key": adminKey,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Restoring a running island conflicts.
	require.NoError(t, st.UpdateIslandStatus(context.Background(), island.ID, types.StatusRunning, nil))
	resp = postJSON(t, listURL+"/pre-update/restore", nil, map[string]string{
		"X-Admin-Key": adminKey,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown island is a 404.
	req, err = http.NewRequest(http.MethodGet,
		srv.URL+"/api/v1/admin/islands/9999/snapshots", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Key", adminKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Snapshot deletion.
	req, err = http.NewRequest(http.MethodDelete, listURL+"/pre-update", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Key", adminKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketReceivesDispatchedEvents(t *testing.T) {
	srv, _, registry := newTestServer(t, 1)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + steveUUID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev, err := bus.NewEvent(bus.EventIslandUpdated, map[string]string{"status": "RUNNING"})
	require.NoError(t, err)
	registry.Dispatch(bus.Envelope{RecipientIDs: []string{steveUUID}, Event: ev})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got bus.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, bus.EventIslandUpdated, got.Type)
}
