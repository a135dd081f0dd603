package kernel

import (
	"context"
	"errors"
	"fmt"
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

// backgroundOpTimeout bounds a whole background lifecycle flow, which
// may span several driver calls plus IP polling.
const backgroundOpTimeout = 10 * time.Minute

// Kernel coordinates islands across the store, the hypervisor driver
// and the event bus.
type Kernel struct {
	store  store.Store
	driver driver.Driver
	bus    bus.Bus
	cfg    *config.Config
	logger zerolog.Logger

	updateWake chan struct{}
}

// New wires a kernel from its dependencies.
func New(st store.Store, drv driver.Driver, eventBus bus.Bus, cfg *config.Config) *Kernel {
	return &Kernel{
		store:      st,
		driver:     drv,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log.WithComponent("kernel"),
		updateWake: make(chan struct{}, 1),
	}
}

// UpdateWake signals the update worker that new entries were queued.
func (k *Kernel) UpdateWake() <-chan struct{} {
	return k.updateWake
}

func (k *Kernel) wakeUpdater() {
	select {
	case k.updateWake <- struct{}{}:
	default:
	}
}

// resolveIsland finds the island a player acts on: the team island if
// they belong to a team, otherwise their solo island.
func (k *Kernel) resolveIsland(ctx context.Context, playerUUID string) (*types.Island, error) {
	member, err := k.store.GetTeamMemberByPlayerUUID(ctx, playerUUID)
	switch {
	case err == nil:
		island, err := k.store.GetIslandByTeamID(ctx, member.TeamID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return island, err
	case errors.Is(err, store.ErrNotFound):
		island, err := k.store.GetIslandByPlayerUUID(ctx, playerUUID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return island, err
	default:
		return nil, err
	}
}

// recipients lists the player UUIDs that should hear about an island.
func (k *Kernel) recipients(ctx context.Context, island *types.Island) []string {
	if island.TeamID != nil {
		members, err := k.store.ListTeamMembers(ctx, *island.TeamID)
		if err != nil {
			k.logger.Warn().Err(err).Uint("team_id", *island.TeamID).Msg("failed to list recipients")
			return nil
		}
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.PlayerUUID)
		}
		return ids
	}
	if island.PlayerUUID != nil {
		return []string{*island.PlayerUUID}
	}
	return nil
}

func (k *Kernel) publishIsland(ctx context.Context, island *types.Island) {
	ev, err := bus.NewEvent(bus.EventIslandUpdated, types.ViewOf(island))
	if err != nil {
		k.logger.Warn().Err(err).Msg("failed to encode island event")
		return
	}
	if err := k.bus.Publish(ctx, k.recipients(ctx, island), ev); err != nil {
		k.logger.Warn().Err(err).Uint("island_id", island.ID).Msg("failed to publish island update")
	}
}

func (k *Kernel) publishIslandDeleted(ctx context.Context, island *types.Island, recipientIDs []string) {
	ev, err := bus.NewEvent(bus.EventIslandDeleted, map[string]uint{"island_id": island.ID})
	if err != nil {
		return
	}
	if err := k.bus.Publish(ctx, recipientIDs, ev); err != nil {
		k.logger.Warn().Err(err).Uint("island_id", island.ID).Msg("failed to publish island deletion")
	}
}

// setStatus applies an atomic status transition and republishes the row.
func (k *Kernel) setStatus(ctx context.Context, id uint, status types.IslandStatus, extra map[string]any) (*types.Island, error) {
	if err := k.store.UpdateIslandStatus(ctx, id, status, extra); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	island, err := k.store.GetIslandByID(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.RecordIslandTransition(string(status))
	k.publishIsland(ctx, island)
	return island, nil
}

// runningCount counts islands holding a running-cap slot.
func (k *Kernel) runningCount(ctx context.Context) (int64, error) {
	running, err := k.store.CountIslandsByStatus(ctx, types.StatusRunning)
	if err != nil {
		return 0, err
	}
	pending, err := k.store.CountIslandsByStatus(ctx, types.StatusPendingStart)
	if err != nil {
		return 0, err
	}
	return running + pending, nil
}

// HasCapacity reports whether another island may start right now.
func (k *Kernel) HasCapacity(ctx context.Context) (bool, error) {
	count, err := k.runningCount(ctx)
	if err != nil {
		return false, err
	}
	return count < int64(k.cfg.MaxRunningServers), nil
}

// containerName derives a unique instance name from the owner.
func containerName(ownerName string) string {
	return fmt.Sprintf("skyblock-%s-%s", sanitizeName(ownerName), nameSuffix())
}

// nameSuffix returns a fresh 8-hex-char instance name suffix.
func nameSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// sanitizeName keeps [A-Za-z0-9-] and replaces everything else.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "player"
	}
	if len(out) > 32 {
		out = out[:32]
	}
	return out
}

// bgContext returns a context for background flows detached from the
// request that triggered them.
func bgContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), backgroundOpTimeout)
}
