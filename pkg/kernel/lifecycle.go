package kernel

import (
	"context"
	"errors"
	"time"

	"github.com/skyblockdynamic/nestworld/pkg/bus"
	"github.com/skyblockdynamic/nestworld/pkg/driver"
	"github.com/skyblockdynamic/nestworld/pkg/metrics"
	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/types"
)

// CreateIsland provisions a new island for a player. If the player
// belongs to a team the island is bound to the team instead. When the
// running cap is saturated the request lands on the creation queue and
// queued is true.
func (k *Kernel) CreateIsland(ctx context.Context, playerUUID, playerName string) (island *types.Island, queued bool, err error) {
	if existing, err := k.resolveIsland(ctx, playerUUID); err == nil {
		return existing, false, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	ok, err := k.HasCapacity(ctx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		err := k.store.EnqueueCreation(ctx, &types.CreationQueueEntry{
			PlayerUUID: playerUUID,
			PlayerName: playerName,
			Status:     types.QueuePending,
		})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return nil, false, err
		}
		k.logger.Info().Str("player_uuid", playerUUID).Msg("creation deferred to queue")
		return nil, true, nil
	}

	island, err = k.newIslandRow(ctx, playerUUID, playerName)
	if err != nil {
		return nil, false, err
	}
	k.publishIsland(ctx, island)

	go func() {
		bgCtx, cancel := bgContext()
		defer cancel()
		if err := k.createFlow(bgCtx, island.ID); err != nil {
			k.logger.Error().Err(err).Uint("island_id", island.ID).Msg("island creation failed")
		}
	}()
	return island, false, nil
}

// AdmitCreation runs a dequeued creation request to completion. The
// capacity re-check catches slots lost since the worker's own check.
func (k *Kernel) AdmitCreation(ctx context.Context, playerUUID, playerName string) error {
	if _, err := k.resolveIsland(ctx, playerUUID); err == nil {
		// The player got an island some other way while queued.
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if ok, err := k.HasCapacity(ctx); err != nil {
		return err
	} else if !ok {
		return ErrCapacityExhausted
	}

	island, err := k.newIslandRow(ctx, playerUUID, playerName)
	if err != nil {
		return err
	}
	k.publishIsland(ctx, island)
	return k.createFlow(ctx, island.ID)
}

// newIslandRow inserts the PENDING_CREATION row, bound to the player's
// team when they have one.
func (k *Kernel) newIslandRow(ctx context.Context, playerUUID, playerName string) (*types.Island, error) {
	island := &types.Island{
		PlayerName: playerName,
		Status:     types.StatusPendingCreation,
	}

	member, err := k.store.GetTeamMemberByPlayerUUID(ctx, playerUUID)
	switch {
	case err == nil:
		island.TeamID = &member.TeamID
		team, err := k.store.GetTeamByID(ctx, member.TeamID)
		if err != nil {
			return nil, err
		}
		island.ContainerName = containerName(team.Name)
	case errors.Is(err, store.ErrNotFound):
		uuid := playerUUID
		island.PlayerUUID = &uuid
		island.ContainerName = containerName(playerName)
	default:
		return nil, err
	}

	if err := k.store.CreateIsland(ctx, island); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	metrics.RecordIslandTransition(string(types.StatusPendingCreation))
	return island, nil
}

// createFlow clones the container, injects its config and parks it
// STOPPED. Failures land in ERROR_CREATE.
func (k *Kernel) createFlow(ctx context.Context, islandID uint) error {
	island, err := k.store.GetIslandByID(ctx, islandID)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		metrics.RecordDriverError("create")
		if _, err := k.setStatus(ctx, islandID, types.StatusErrorCreate, nil); err != nil {
			k.logger.Error().Err(err).Uint("island_id", islandID).Msg("failed to record creation error")
		}
		return cause
	}

	if err := k.driver.Clone(ctx, island.ContainerName, k.cfg.LXDBaseImage, k.cfg.LXDDefaultProfiles); err != nil {
		return fail(err)
	}
	if err := k.PushIslandConfig(ctx, island); err != nil {
		return fail(err)
	}

	_, err = k.setStatus(ctx, islandID, types.StatusStopped, nil)
	return err
}

// PushIslandConfig writes the two TOML files the game server boots
// from. The update worker reuses it after an image rebuild.
func (k *Kernel) PushIslandConfig(ctx context.Context, island *types.Island) error {
	var team *types.Team
	var members []types.TeamMember
	if island.TeamID != nil {
		var err error
		team, err = k.store.GetTeamByID(ctx, *island.TeamID)
		if err != nil {
			return err
		}
		members, err = k.store.ListTeamMembers(ctx, *island.TeamID)
		if err != nil {
			return err
		}
	}

	data, err := renderIslandData(island, team, members)
	if err != nil {
		return err
	}
	if err := k.driver.PushFile(ctx, island.ContainerName, driver.FilePush{
		Path: islandDataPath, Content: data, Mode: 0o644, UID: minecraftUID, GID: minecraftGID,
	}); err != nil {
		return err
	}
	return k.driver.PushFile(ctx, island.ContainerName, driver.FilePush{
		Path: playerSyncPath, Content: renderPlayerSync(), Mode: 0o644, UID: minecraftUID, GID: minecraftGID,
	})
}

// startable reports whether a start may begin from this status.
// A failed start must be stopped first.
func startable(status types.IslandStatus) bool {
	switch status {
	case types.StatusStopped, types.StatusFrozen:
		return true
	}
	return false
}

// StartIsland brings a player's island to RUNNING. A missing island is
// created instead. Under a saturated cap the request is queued and
// queued is true.
func (k *Kernel) StartIsland(ctx context.Context, playerUUID, playerName string) (island *types.Island, queued bool, err error) {
	island, err = k.resolveIsland(ctx, playerUUID)
	if errors.Is(err, ErrNotFound) {
		return k.CreateIsland(ctx, playerUUID, playerName)
	}
	if err != nil {
		return nil, false, err
	}

	switch island.Status {
	case types.StatusRunning, types.StatusPendingStart:
		return island, false, nil
	}
	if !startable(island.Status) {
		return island, false, ErrInvalidState
	}

	ok, err := k.HasCapacity(ctx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		err := k.store.EnqueueStart(ctx, &types.StartQueueEntry{
			PlayerUUID: playerUUID,
			PlayerName: playerName,
			Status:     types.QueuePending,
		})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return nil, false, err
		}
		k.logger.Info().Uint("island_id", island.ID).Msg("start deferred to queue")
		return island, true, nil
	}

	island, err = k.setStatus(ctx, island.ID, types.StatusPendingStart, nil)
	if err != nil {
		return nil, false, err
	}

	id := island.ID
	go func() {
		bgCtx, cancel := bgContext()
		defer cancel()
		if err := k.startFlow(bgCtx, id); err != nil {
			k.logger.Error().Err(err).Uint("island_id", id).Msg("island start failed")
		}
	}()
	return island, false, nil
}

// AdmitStart runs a dequeued start request to completion.
func (k *Kernel) AdmitStart(ctx context.Context, playerUUID string) error {
	island, err := k.resolveIsland(ctx, playerUUID)
	if err != nil {
		return err
	}
	if island.Status == types.StatusRunning || island.Status == types.StatusPendingStart {
		return nil
	}
	if !startable(island.Status) {
		return ErrInvalidState
	}
	if ok, err := k.HasCapacity(ctx); err != nil {
		return err
	} else if !ok {
		return ErrCapacityExhausted
	}
	if _, err := k.setStatus(ctx, island.ID, types.StatusPendingStart, nil); err != nil {
		return err
	}
	return k.startFlow(ctx, island.ID)
}

// startFlow unfreezes or boots the container and waits for an address.
func (k *Kernel) startFlow(ctx context.Context, islandID uint) error {
	island, err := k.store.GetIslandByID(ctx, islandID)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		metrics.RecordDriverError("start")
		// Error states never carry an address.
		if _, err := k.setStatus(ctx, islandID, types.StatusErrorStart, clearedRuntimeFields()); err != nil {
			k.logger.Error().Err(err).Uint("island_id", islandID).Msg("failed to record start error")
		}
		return cause
	}

	state, err := k.driver.GetState(ctx, island.ContainerName)
	if err != nil {
		return fail(err)
	}
	switch state.Status {
	case driver.StatusFrozen:
		if err := k.driver.Unfreeze(ctx, island.ContainerName); err != nil {
			return fail(err)
		}
	case driver.StatusRunning:
		// Already up; only the address is missing from our view.
	default:
		if err := k.driver.Start(ctx, island.ContainerName); err != nil {
			return fail(err)
		}
	}

	ip, err := k.driver.WaitIPv4(ctx, island.ContainerName, k.cfg.LXDIPRetryAttempts, k.cfg.IPRetryDelay())
	if err != nil {
		return fail(err)
	}

	_, err = k.setStatus(ctx, islandID, types.StatusRunning, map[string]any{
		"internal_ip":     ip,
		"internal_port":   k.cfg.DefaultMCPortInternal,
		"minecraft_ready": false,
		"last_seen_at":    time.Now().UTC(),
	})
	return err
}

// StopIsland force-stops a player's island.
func (k *Kernel) StopIsland(ctx context.Context, playerUUID string) (*types.Island, error) {
	island, err := k.resolveIsland(ctx, playerUUID)
	if err != nil {
		return nil, err
	}

	switch island.Status {
	case types.StatusStopped, types.StatusPendingStop:
		return island, nil
	case types.StatusRunning, types.StatusFrozen, types.StatusErrorStart:
	default:
		return island, ErrInvalidState
	}

	island, err = k.setStatus(ctx, island.ID, types.StatusPendingStop, nil)
	if err != nil {
		return nil, err
	}

	id := island.ID
	go func() {
		bgCtx, cancel := bgContext()
		defer cancel()
		if err := k.stopFlow(bgCtx, id); err != nil {
			k.logger.Error().Err(err).Uint("island_id", id).Msg("island stop failed")
		}
	}()
	return island, nil
}

// stopFlow halts the container. A container that no longer exists
// still counts as stopped.
func (k *Kernel) stopFlow(ctx context.Context, islandID uint) error {
	island, err := k.store.GetIslandByID(ctx, islandID)
	if err != nil {
		return err
	}

	if err := k.driver.Stop(ctx, island.ContainerName, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
		metrics.RecordDriverError("stop")
		if _, serr := k.setStatus(ctx, islandID, types.StatusError, clearedRuntimeFields()); serr != nil {
			k.logger.Error().Err(serr).Uint("island_id", islandID).Msg("failed to record stop error")
		}
		return err
	}

	_, err = k.setStatus(ctx, islandID, types.StatusStopped, clearedRuntimeFields())
	return err
}

// clearedRuntimeFields resets everything only a live server has.
func clearedRuntimeFields() map[string]any {
	return map[string]any{
		"internal_ip":     nil,
		"internal_port":   nil,
		"minecraft_ready": false,
		"last_seen_at":    nil,
	}
}

// FreezeIsland suspends a running island in place.
func (k *Kernel) FreezeIsland(ctx context.Context, playerUUID string) (*types.Island, error) {
	island, err := k.resolveIsland(ctx, playerUUID)
	if err != nil {
		return nil, err
	}

	switch island.Status {
	case types.StatusFrozen, types.StatusPendingFreeze:
		return island, nil
	case types.StatusRunning:
	default:
		return island, ErrInvalidState
	}

	island, err = k.setStatus(ctx, island.ID, types.StatusPendingFreeze, nil)
	if err != nil {
		return nil, err
	}

	id := island.ID
	go func() {
		bgCtx, cancel := bgContext()
		defer cancel()
		if err := k.freezeFlow(bgCtx, id); err != nil {
			k.logger.Error().Err(err).Uint("island_id", id).Msg("island freeze failed")
		}
	}()
	return island, nil
}

func (k *Kernel) freezeFlow(ctx context.Context, islandID uint) error {
	island, err := k.store.GetIslandByID(ctx, islandID)
	if err != nil {
		return err
	}

	if err := k.driver.Freeze(ctx, island.ContainerName); err != nil {
		metrics.RecordDriverError("freeze")
		if _, serr := k.setStatus(ctx, islandID, types.StatusError, clearedRuntimeFields()); serr != nil {
			k.logger.Error().Err(serr).Uint("island_id", islandID).Msg("failed to record freeze error")
		}
		return err
	}

	// Frozen islands keep their address but are no longer joinable.
	_, err = k.setStatus(ctx, islandID, types.StatusFrozen, map[string]any{
		"minecraft_ready": false,
	})
	return err
}

// MarkReady records that the game server inside a RUNNING island has
// finished booting and accepts players.
func (k *Kernel) MarkReady(ctx context.Context, playerUUID string) (*types.Island, error) {
	island, err := k.resolveIsland(ctx, playerUUID)
	if err != nil {
		return nil, err
	}
	if island.Status != types.StatusRunning || island.MinecraftReady {
		return island, ErrInvalidState
	}
	return k.setStatus(ctx, island.ID, types.StatusRunning, map[string]any{
		"minecraft_ready": true,
		"last_seen_at":    time.Now().UTC(),
	})
}

// RecordHeartbeat refreshes last_seen_at for a running island.
func (k *Kernel) RecordHeartbeat(ctx context.Context, playerUUID string) error {
	island, err := k.resolveIsland(ctx, playerUUID)
	if err != nil {
		return err
	}
	if island.Status != types.StatusRunning {
		return ErrInvalidState
	}
	if err := k.store.TouchLastSeen(ctx, island.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// DeleteIsland tears an island down: container first, row second.
func (k *Kernel) DeleteIsland(ctx context.Context, playerUUID string) (*types.Island, error) {
	island, err := k.resolveIsland(ctx, playerUUID)
	if err != nil {
		return nil, err
	}
	return k.deleteIsland(ctx, island)
}

// DeleteIslandByID is the admin variant, addressing the island directly.
func (k *Kernel) DeleteIslandByID(ctx context.Context, islandID uint) (*types.Island, error) {
	island, err := k.store.GetIslandByID(ctx, islandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return k.deleteIsland(ctx, island)
}

func (k *Kernel) deleteIsland(ctx context.Context, island *types.Island) (*types.Island, error) {
	switch island.Status {
	case types.StatusDeleting:
		return island, nil
	case types.StatusPendingCreation, types.StatusPendingUpdate, types.StatusUpdating:
		return island, ErrInvalidState
	}

	recipientIDs := k.recipients(ctx, island)
	island, err := k.setStatus(ctx, island.ID, types.StatusDeleting, nil)
	if err != nil {
		return nil, err
	}

	target := *island
	go func() {
		bgCtx, cancel := bgContext()
		defer cancel()
		if err := k.deleteFlow(bgCtx, &target, recipientIDs); err != nil {
			k.logger.Error().Err(err).Uint("island_id", target.ID).Msg("island deletion failed")
		}
	}()
	return island, nil
}

func (k *Kernel) deleteFlow(ctx context.Context, island *types.Island, recipientIDs []string) error {
	fail := func(cause error) error {
		metrics.RecordDriverError("delete")
		if _, err := k.setStatus(ctx, island.ID, types.StatusError, clearedRuntimeFields()); err != nil {
			k.logger.Error().Err(err).Uint("island_id", island.ID).Msg("failed to record deletion error")
		}
		return cause
	}

	state, err := k.driver.GetState(ctx, island.ContainerName)
	switch {
	case errors.Is(err, driver.ErrNotFound):
		// Nothing to stop or delete.
	case err != nil:
		return fail(err)
	default:
		if state.Status != driver.StatusStopped {
			if err := k.driver.Stop(ctx, island.ContainerName, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
				return fail(err)
			}
		}
		if err := k.driver.Delete(ctx, island.ContainerName); err != nil && !errors.Is(err, driver.ErrNotFound) {
			return fail(err)
		}
	}

	// ARCHIVED is the terminal status; the row itself goes right after.
	if err := k.store.UpdateIslandStatus(ctx, island.ID, types.StatusArchived, clearedRuntimeFields()); err != nil {
		return fail(err)
	}
	metrics.RecordIslandTransition(string(types.StatusArchived))

	if err := k.store.DeleteIsland(ctx, island.ID); err != nil {
		return fail(err)
	}
	k.publishIslandDeleted(ctx, island, recipientIDs)
	return nil
}

// publishGracefulShutdown asks the island's server to save and stop.
func (k *Kernel) publishGracefulShutdown(ctx context.Context, island *types.Island) {
	ev, err := bus.NewEvent(bus.EventGracefulShutdownForUpdate, map[string]uint{"island_id": island.ID})
	if err != nil {
		return
	}
	if err := k.bus.Publish(ctx, k.recipients(ctx, island), ev); err != nil {
		k.logger.Warn().Err(err).Uint("island_id", island.ID).Msg("failed to publish shutdown request")
	}
}
