package kernel

import (
	"context"
	"errors"

	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/types"
)

// updatable reports whether an island can be queued for a fleet update.
// Running islands are asked to shut down gracefully first; the worker
// stops whatever is left when its turn comes.
func updatable(status types.IslandStatus) bool {
	switch status {
	case types.StatusStopped, types.StatusRunning, types.StatusFrozen, types.StatusUpdateFailed:
		return true
	}
	return false
}

// QueueUpdate schedules one island for the fleet update. Queueing is
// idempotent per island.
func (k *Kernel) QueueUpdate(ctx context.Context, islandID uint) (*types.UpdateQueueEntry, error) {
	island, err := k.store.GetIslandByID(ctx, islandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !updatable(island.Status) {
		return nil, ErrInvalidState
	}

	entry := &types.UpdateQueueEntry{IslandID: islandID, Status: types.UpdatePending}
	if err := k.store.EnqueueUpdate(ctx, entry); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, err := k.store.GetUpdateEntryByIslandID(ctx, islandID)
			if err != nil {
				return nil, err
			}
			if existing.Status == types.UpdateFailed && existing.RetryCount >= k.cfg.UpdateWorkerMaxRetries {
				return existing, ErrRetryExceeded
			}
			return existing, nil
		}
		return nil, err
	}

	if island.Status == types.StatusRunning {
		k.publishGracefulShutdown(ctx, island)
	}
	k.wakeUpdater()
	k.logger.Info().Uint("island_id", islandID).Msg("island queued for update")
	return entry, nil
}

// QueueUpdateAll schedules every eligible island and returns how many
// were queued.
func (k *Kernel) QueueUpdateAll(ctx context.Context) (int, error) {
	islands, err := k.store.ListIslandsByStatus(ctx,
		types.StatusStopped, types.StatusRunning, types.StatusFrozen, types.StatusUpdateFailed)
	if err != nil {
		return 0, err
	}

	queued := 0
	for i := range islands {
		if _, err := k.QueueUpdate(ctx, islands[i].ID); err != nil {
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrAlreadyExists) ||
				errors.Is(err, ErrRetryExceeded) {
				continue
			}
			return queued, err
		}
		queued++
	}
	return queued, nil
}
