package kernel

import (
	"context"
	"errors"

	"github.com/skyblockdynamic/nestworld/pkg/driver"
	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/types"
)

func (k *Kernel) islandByID(ctx context.Context, id uint) (*types.Island, error) {
	island, err := k.store.GetIslandByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return island, err
}

// ListIslandSnapshots enumerates the hypervisor snapshots of an island.
func (k *Kernel) ListIslandSnapshots(ctx context.Context, islandID uint) ([]driver.Snapshot, error) {
	island, err := k.islandByID(ctx, islandID)
	if err != nil {
		return nil, err
	}
	snapshots, err := k.driver.ListSnapshots(ctx, island.ContainerName)
	if errors.Is(err, driver.ErrNotFound) {
		return nil, ErrNotFound
	}
	return snapshots, err
}

// RestoreIslandSnapshot rolls an island's container back to a snapshot.
// Rolling back a live server would corrupt the world under the players'
// feet, so the island must be stopped or errored.
func (k *Kernel) RestoreIslandSnapshot(ctx context.Context, islandID uint, snapshot string) error {
	island, err := k.islandByID(ctx, islandID)
	if err != nil {
		return err
	}
	if !island.Status.StoppedOrErrored() {
		return ErrInvalidState
	}
	if err := k.driver.RestoreSnapshot(ctx, island.ContainerName, snapshot); err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	k.logger.Info().Uint("island_id", islandID).Str("snapshot", snapshot).Msg("snapshot restored")
	return nil
}

// DeleteIslandSnapshot discards one snapshot of an island.
func (k *Kernel) DeleteIslandSnapshot(ctx context.Context, islandID uint, snapshot string) error {
	island, err := k.islandByID(ctx, islandID)
	if err != nil {
		return err
	}
	if err := k.driver.DeleteSnapshot(ctx, island.ContainerName, snapshot); err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
