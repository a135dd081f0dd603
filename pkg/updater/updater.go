package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skyblockdynamic/nestworld/pkg/bus"
	"github.com/skyblockdynamic/nestworld/pkg/config"
	"github.com/skyblockdynamic/nestworld/pkg/driver"
	"github.com/skyblockdynamic/nestworld/pkg/log"
	"github.com/skyblockdynamic/nestworld/pkg/metrics"
	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/types"
)

const (
	// readyTimeout bounds how long a restarted island may take to
	// report minecraft_ready before the update is rolled back.
	readyTimeout = 180 * time.Second
	// readyPollInterval is how often the ready flag is re-read.
	readyPollInterval = time.Second

	// entryTimeout bounds one whole island update.
	entryTimeout = 15 * time.Minute

	worldArchivePath = "/tmp/island-world.tar.gz"
	worldDir         = "/opt/minecraft/world"
)

// Worker applies queued fleet updates one island at a time.
type Worker struct {
	store  store.Store
	driver driver.Driver
	bus    bus.Bus
	cfg    *config.Config
	wake   <-chan struct{}
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	// archiveDir holds world exports during image updates so a failure
	// after container deletion never loses data.
	archiveDir string

	readyTimeout time.Duration
	readyPoll    time.Duration

	// ConfigInjector re-writes the island's config files after an
	// image rebuild. Optional.
	ConfigInjector func(context.Context, *types.Island) error
}

// NewWorker builds the update worker. wake may be nil; the worker then
// relies on its poll interval alone.
func NewWorker(st store.Store, drv driver.Driver, eventBus bus.Bus, cfg *config.Config, wake <-chan struct{}) *Worker {
	return &Worker{
		store:        st,
		driver:       drv,
		bus:          eventBus,
		cfg:          cfg,
		wake:         wake,
		logger:       log.WithComponent("updater"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		archiveDir:   filepath.Join(os.TempDir(), "nestworld-archives"),
		readyTimeout: readyTimeout,
		readyPoll:    readyPollInterval,
	}
}

// Start launches the worker loop.
func (w *Worker) Start() {
	go w.run()
	w.logger.Info().
		Str("strategy", w.cfg.UpdateStrategy).
		Dur("poll_interval", w.cfg.UpdatePollInterval()).
		Msg("update worker started")
}

// Stop shuts the loop down and waits for the in-flight update to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.UpdatePollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.wake:
			w.Drain(context.Background())
		case <-ticker.C:
			w.Drain(context.Background())
		}
	}
}

// Drain processes queue entries until none are eligible.
func (w *Worker) Drain(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("island update failed")
		}
		if !processed {
			return
		}
	}
}

// ProcessNext claims and applies the oldest eligible entry. It reports
// whether an entry was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	entry, err := w.store.NextPendingUpdate(ctx, w.cfg.UpdateWorkerMaxRetries)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	entryCtx, cancel := context.WithTimeout(ctx, entryTimeout)
	defer cancel()
	return true, w.processEntry(entryCtx, entry)
}

func (w *Worker) processEntry(ctx context.Context, entry *types.UpdateQueueEntry) error {
	logger := w.logger.With().Uint("island_id", entry.IslandID).Logger()

	island, err := w.store.GetIslandByID(ctx, entry.IslandID)
	if errors.Is(err, store.ErrNotFound) {
		// The island was deleted while queued; retire the entry.
		msg := "island no longer exists"
		entry.Status = types.UpdateFailed
		entry.RetryCount = w.cfg.UpdateWorkerMaxRetries
		entry.ErrorMessage = &msg
		return w.store.SaveUpdateEntry(ctx, entry)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.Status = types.UpdateProcessing
	entry.StartedAt = &now
	if err := w.store.SaveUpdateEntry(ctx, entry); err != nil {
		return err
	}

	wasRunning := island.Status == types.StatusRunning
	if err := w.setIslandStatus(ctx, island, types.StatusPendingUpdate, nil); err != nil {
		return err
	}
	if err := w.setIslandStatus(ctx, island, types.StatusUpdating, nil); err != nil {
		return err
	}

	var updateErr error
	switch types.UpdateStrategy(w.cfg.UpdateStrategy) {
	case types.StrategyImage:
		updateErr = w.applyImageUpdate(ctx, island, wasRunning)
	default:
		updateErr = w.applyFilesUpdate(ctx, island, wasRunning)
	}

	if updateErr != nil {
		logger.Error().Err(updateErr).Msg("update failed")
		metrics.RecordUpdateResult("failed")

		msg := updateErr.Error()
		entry.Status = types.UpdateFailed
		entry.RetryCount++
		entry.ErrorMessage = &msg
		if err := w.store.SaveUpdateEntry(ctx, entry); err != nil {
			logger.Error().Err(err).Msg("failed to record update failure")
		}
		if entry.RetryCount >= w.cfg.UpdateWorkerMaxRetries {
			logger.Warn().Int("retries", entry.RetryCount).Msg("retry budget exhausted")
		}
		return updateErr
	}

	metrics.RecordUpdateResult("success")
	done := time.Now().UTC()
	entry.Status = types.UpdateCompleted
	entry.CompletedAt = &done
	entry.ErrorMessage = nil
	if err := w.store.SaveUpdateEntry(ctx, entry); err != nil {
		return err
	}
	logger.Info().Msg("island updated")
	return nil
}

// applyFilesUpdate pushes the new content behind a snapshot and rolls
// back if the island does not come back healthy.
func (w *Worker) applyFilesUpdate(ctx context.Context, island *types.Island, wasRunning bool) error {
	name := island.ContainerName
	snapshot := fmt.Sprintf("update-snapshot-%d-%d", island.ID, time.Now().Unix())

	if err := w.driver.CreateSnapshot(ctx, name, snapshot); err != nil {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("failed to snapshot before update: %w", err)
	}

	applyErr := w.pushFilesAndVerify(ctx, island, wasRunning)
	if applyErr == nil {
		if err := w.driver.DeleteSnapshot(ctx, name, snapshot); err != nil {
			w.logger.Warn().Err(err).Str("snapshot", snapshot).Msg("failed to drop snapshot")
		}
		return nil
	}

	// Roll back. A failed restore leaves the island in an unknown
	// state and needs an operator.
	metrics.RecordUpdateResult("rolled_back")
	if wasRunning {
		if err := w.driver.Stop(ctx, name, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
			w.logger.Warn().Err(err).Msg("failed to stop before restore")
		}
	}
	if err := w.driver.RestoreSnapshot(ctx, name, snapshot); err != nil {
		w.failIsland(ctx, island, types.StatusError)
		return fmt.Errorf("rollback failed after %v: %w", applyErr, err)
	}
	if err := w.driver.DeleteSnapshot(ctx, name, snapshot); err != nil {
		w.logger.Warn().Err(err).Str("snapshot", snapshot).Msg("failed to drop snapshot")
	}
	if wasRunning {
		if err := w.restartIsland(ctx, island, false); err != nil {
			w.failIsland(ctx, island, types.StatusUpdateFailed)
			return fmt.Errorf("restart after rollback failed: %w (update error: %v)", err, applyErr)
		}
	}
	w.failIsland(ctx, island, types.StatusUpdateFailed)
	return applyErr
}

func (w *Worker) pushFilesAndVerify(ctx context.Context, island *types.Island, wasRunning bool) error {
	name := island.ContainerName

	if wasRunning {
		if err := w.driver.Stop(ctx, name, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
			return fmt.Errorf("failed to stop for update: %w", err)
		}
		if err := w.setIslandStatus(ctx, island, types.StatusUpdating, clearedRuntime()); err != nil {
			return err
		}
	}

	content, err := os.ReadFile(w.cfg.IslandUpdateFileSourcePath)
	if err != nil {
		return fmt.Errorf("failed to read update payload: %w", err)
	}
	if err := w.driver.PushFile(ctx, name, driver.FilePush{
		Path:    w.cfg.IslandUpdateFileTargetPath,
		Content: content,
		Mode:    0o644,
	}); err != nil {
		return fmt.Errorf("failed to push update payload: %w", err)
	}

	if !wasRunning {
		return w.setIslandStatus(ctx, island, types.StatusStopped, nil)
	}
	return w.restartIsland(ctx, island, true)
}

// restartIsland boots the container and waits for its address. With
// verifyReady it additionally waits for the game server to report
// ready; the rollback path skips that so a slow-booting old version
// does not cascade into another failure.
func (w *Worker) restartIsland(ctx context.Context, island *types.Island, verifyReady bool) error {
	name := island.ContainerName

	if err := w.driver.Start(ctx, name); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	ip, err := w.driver.WaitIPv4(ctx, name, w.cfg.LXDIPRetryAttempts, w.cfg.IPRetryDelay())
	if err != nil {
		return fmt.Errorf("failed to get address: %w", err)
	}
	if err := w.setIslandStatus(ctx, island, types.StatusRunning, map[string]any{
		"internal_ip":     ip,
		"internal_port":   w.cfg.DefaultMCPortInternal,
		"minecraft_ready": false,
	}); err != nil {
		return err
	}
	if !verifyReady {
		return nil
	}
	return w.waitReady(ctx, island.ID)
}

// waitReady polls the ready flag the game server sets through the API.
func (w *Worker) waitReady(ctx context.Context, islandID uint) error {
	deadline := time.Now().Add(w.readyTimeout)
	for time.Now().Before(deadline) {
		island, err := w.store.GetIslandByID(ctx, islandID)
		if err != nil {
			return err
		}
		if island.MinecraftReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.readyPoll):
		}
	}
	return fmt.Errorf("server not ready within %s", w.readyTimeout)
}

// applyImageUpdate rebuilds the container from the new base image,
// carrying the world data across.
func (w *Worker) applyImageUpdate(ctx context.Context, island *types.Island, wasRunning bool) error {
	name := island.ContainerName
	if w.cfg.LXDNewBaseImage == "" {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return errors.New("LXD_NEW_BASE_IMAGE is not set")
	}

	if wasRunning {
		if err := w.driver.Stop(ctx, name, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
			w.failIsland(ctx, island, types.StatusUpdateFailed)
			return fmt.Errorf("failed to stop for update: %w", err)
		}
		if err := w.setIslandStatus(ctx, island, types.StatusUpdating, clearedRuntime()); err != nil {
			return err
		}
		if err := w.driver.Start(ctx, name); err != nil {
			w.failIsland(ctx, island, types.StatusUpdateFailed)
			return fmt.Errorf("failed to start for export: %w", err)
		}
	} else {
		if err := w.driver.Start(ctx, name); err != nil {
			w.failIsland(ctx, island, types.StatusUpdateFailed)
			return fmt.Errorf("failed to start for export: %w", err)
		}
	}

	// Export the world, then keep a host-side copy before anything
	// destructive happens.
	res, err := w.driver.Exec(ctx, name, []string{
		"tar", "czf", worldArchivePath, "-C", filepath.Dir(worldDir), filepath.Base(worldDir),
	}, nil)
	if err != nil {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("world export failed: %w", err)
	}
	if res.ExitCode != 0 {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("world export failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	archive, err := w.driver.PullFile(ctx, name, worldArchivePath)
	if err != nil {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("failed to pull world archive: %w", err)
	}

	hostArchive := filepath.Join(w.archiveDir, fmt.Sprintf("island-%d.tar.gz", island.ID))
	if err := os.MkdirAll(w.archiveDir, 0o755); err != nil {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("failed to prepare archive dir: %w", err)
	}
	if err := os.WriteFile(hostArchive, archive, 0o600); err != nil {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("failed to persist world archive: %w", err)
	}

	if err := w.driver.Stop(ctx, name, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("failed to stop after export: %w", err)
	}
	if err := w.driver.Delete(ctx, name); err != nil && !errors.Is(err, driver.ErrNotFound) {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("failed to delete old container: %w", err)
	}

	// Past this point a failure leaves no container. The world archive
	// at hostArchive is the recovery path.
	rebuildErr := w.rebuild(ctx, island, archive, wasRunning)
	if rebuildErr != nil {
		w.failIsland(ctx, island, types.StatusUpdateFailed)
		return fmt.Errorf("rebuild failed, world preserved at %s: %w", hostArchive, rebuildErr)
	}

	os.Remove(hostArchive)
	return nil
}

func (w *Worker) rebuild(ctx context.Context, island *types.Island, archive []byte, wasRunning bool) error {
	// A fresh name keeps the new instance clear of any leftovers of the
	// old one on the hypervisor.
	name := rebuiltName(island.ContainerName)

	if err := w.driver.Clone(ctx, name, w.cfg.LXDNewBaseImage, w.cfg.LXDDefaultProfiles); err != nil {
		return fmt.Errorf("failed to clone from new image: %w", err)
	}
	if err := w.driver.PushFile(ctx, name, driver.FilePush{
		Path: worldArchivePath, Content: archive, Mode: 0o644,
	}); err != nil {
		return fmt.Errorf("failed to push world archive: %w", err)
	}
	if err := w.driver.Start(ctx, name); err != nil {
		return fmt.Errorf("failed to start rebuilt container: %w", err)
	}
	res, err := w.driver.Exec(ctx, name, []string{
		"tar", "xzf", worldArchivePath, "-C", filepath.Dir(worldDir),
	}, nil)
	if err != nil {
		return fmt.Errorf("world import failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("world import failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	rebuilt := *island
	rebuilt.ContainerName = name
	if w.ConfigInjector != nil {
		if err := w.ConfigInjector(ctx, &rebuilt); err != nil {
			return fmt.Errorf("failed to re-inject island config: %w", err)
		}
	}

	if !wasRunning {
		if err := w.driver.Stop(ctx, name, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
			return fmt.Errorf("failed to stop rebuilt container: %w", err)
		}
		extra := clearedRuntime()
		extra["container_name"] = name
		return w.setIslandStatus(ctx, island, types.StatusStopped, extra)
	}

	ip, err := w.driver.WaitIPv4(ctx, name, w.cfg.LXDIPRetryAttempts, w.cfg.IPRetryDelay())
	if err != nil {
		return fmt.Errorf("failed to get address: %w", err)
	}
	if err := w.setIslandStatus(ctx, island, types.StatusRunning, map[string]any{
		"container_name":  name,
		"internal_ip":     ip,
		"internal_port":   w.cfg.DefaultMCPortInternal,
		"minecraft_ready": false,
	}); err != nil {
		return err
	}
	return w.waitReady(ctx, island.ID)
}

// rebuiltName swaps the unique suffix of an instance name.
func rebuiltName(old string) string {
	base := old
	if i := strings.LastIndex(old, "-"); i > 0 {
		base = old[:i]
	}
	return fmt.Sprintf("%s-%s", base, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func clearedRuntime() map[string]any {
	return map[string]any{
		"internal_ip":     nil,
		"internal_port":   nil,
		"minecraft_ready": false,
	}
}

func (w *Worker) failIsland(ctx context.Context, island *types.Island, status types.IslandStatus) {
	w.setIslandStatusLogged(ctx, island, status, nil)
}

func (w *Worker) setIslandStatusLogged(ctx context.Context, island *types.Island, status types.IslandStatus, extra map[string]any) {
	if err := w.setIslandStatus(ctx, island, status, extra); err != nil {
		w.logger.Error().Err(err).Uint("island_id", island.ID).Msg("failed to record island status")
	}
}

// setIslandStatus updates the row and notifies the island's players.
func (w *Worker) setIslandStatus(ctx context.Context, island *types.Island, status types.IslandStatus, extra map[string]any) error {
	if err := w.store.UpdateIslandStatus(ctx, island.ID, status, extra); err != nil {
		return err
	}
	metrics.RecordIslandTransition(string(status))

	fresh, err := w.store.GetIslandByID(ctx, island.ID)
	if err != nil {
		return err
	}
	ev, err := bus.NewEvent(bus.EventIslandUpdated, types.ViewOf(fresh))
	if err != nil {
		return err
	}

	var recipients []string
	if fresh.PlayerUUID != nil {
		recipients = []string{*fresh.PlayerUUID}
	} else if fresh.TeamID != nil {
		members, err := w.store.ListTeamMembers(ctx, *fresh.TeamID)
		if err == nil {
			for _, m := range members {
				recipients = append(recipients, m.PlayerUUID)
			}
		}
	}
	if err := w.bus.Publish(ctx, recipients, ev); err != nil {
		w.logger.Warn().Err(err).Uint("island_id", island.ID).Msg("failed to publish island update")
	}
	return nil
}
