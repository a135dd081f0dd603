package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
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
	// leaderKey is claimed once per startup; only the winner runs the
	// pass. The TTL keeps a crashed leader from blocking the next boot.
	leaderKey = "nestworld:reconciler:leader"
	leaderTTL = 60 * time.Second
)

// activeStatuses are the DB statuses worth checking against reality.
var activeStatuses = []types.IslandStatus{
	types.StatusRunning,
	types.StatusFrozen,
	types.StatusPendingStart,
	types.StatusPendingFreeze,
	types.StatusPendingStop,
	types.StatusErrorStart,
}

// Reconciler is the one-shot startup pass that corrects divergence
// between the database and the hypervisor.
type Reconciler struct {
	store  store.Store
	driver driver.Driver
	bus    bus.Bus
	cfg    *config.Config
	logger zerolog.Logger
	nodeID string
}

// New builds a reconciler. Each process gets a unique node identity
// for the leader claim.
func New(st store.Store, drv driver.Driver, eventBus bus.Bus, cfg *config.Config) *Reconciler {
	host, _ := os.Hostname()
	return &Reconciler{
		store:  st,
		driver: drv,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
		nodeID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// Run elects a leader and, if this process wins, reconciles every
// active island. Losing the election is not an error.
func (r *Reconciler) Run(ctx context.Context) error {
	won, err := r.bus.SetIfNotExists(ctx, leaderKey, r.nodeID, leaderTTL)
	if err != nil {
		return fmt.Errorf("leader election failed: %w", err)
	}
	if !won {
		r.logger.Info().Msg("another process leads reconciliation, skipping")
		return nil
	}
	r.logger.Info().Str("node_id", r.nodeID).Msg("elected reconciliation leader")
	return r.Reconcile(ctx)
}

// Reconcile applies the divergence rules to every active island.
// Per-island driver failures are logged and skipped; the next startup
// retries them.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	islands, err := r.store.ListIslandsByStatus(ctx, activeStatuses...)
	if err != nil {
		return fmt.Errorf("failed to list active islands: %w", err)
	}
	r.logger.Info().Int("islands", len(islands)).Msg("reconciliation pass started")

	for i := range islands {
		island := &islands[i]
		if err := r.reconcileIsland(ctx, island); err != nil {
			metrics.RecordDriverError("reconcile")
			r.logger.Error().Err(err).
				Uint("island_id", island.ID).
				Str("container", island.ContainerName).
				Msg("island skipped")
		}
	}
	r.logger.Info().Msg("reconciliation pass finished")
	return nil
}

func (r *Reconciler) reconcileIsland(ctx context.Context, island *types.Island) error {
	state, err := r.driver.GetState(ctx, island.ContainerName)
	if errors.Is(err, driver.ErrNotFound) {
		return r.containerGone(ctx, island)
	}
	if err != nil {
		return err
	}

	switch state.Status {
	case driver.StatusRunning:
		return r.containerRunning(ctx, island, state.IPv4)
	case driver.StatusFrozen:
		return r.containerFrozen(ctx, island)
	default:
		return r.containerStopped(ctx, island)
	}
}

// containerRunning: the instance is up regardless of what the DB says.
func (r *Reconciler) containerRunning(ctx context.Context, island *types.Island, ip string) error {
	if island.Status == types.StatusRunning {
		if ip == "" || (island.InternalIP != nil && *island.InternalIP == ip) {
			return nil
		}
		return r.transition(ctx, island, types.StatusRunning, map[string]any{
			"internal_ip": ip,
		})
	}

	if island.Status == types.StatusPendingStart && ip == "" {
		// Booted but never got an address; the start effectively failed.
		return r.transition(ctx, island, types.StatusErrorStart, nil)
	}

	extra := map[string]any{
		"internal_port":   r.cfg.DefaultMCPortInternal,
		"minecraft_ready": false,
	}
	if ip != "" {
		extra["internal_ip"] = ip
	}
	return r.transition(ctx, island, types.StatusRunning, extra)
}

// containerFrozen: record FROZEN whatever was pending.
func (r *Reconciler) containerFrozen(ctx context.Context, island *types.Island) error {
	if island.Status == types.StatusFrozen {
		return nil
	}
	return r.transition(ctx, island, types.StatusFrozen, map[string]any{
		"minecraft_ready": false,
	})
}

// containerStopped: a stopped instance invalidates every active status
// except a failed start, which keeps its error for the operator.
func (r *Reconciler) containerStopped(ctx context.Context, island *types.Island) error {
	if island.Status == types.StatusErrorStart {
		return nil
	}
	if island.Status == types.StatusStopped {
		return nil
	}
	return r.transition(ctx, island, types.StatusStopped, map[string]any{
		"internal_ip":     nil,
		"internal_port":   nil,
		"minecraft_ready": false,
		"last_seen_at":    nil,
	})
}

// containerGone: the database references an instance that no longer
// exists. That is never recoverable automatically.
func (r *Reconciler) containerGone(ctx context.Context, island *types.Island) error {
	return r.transition(ctx, island, types.StatusError, map[string]any{
		"internal_ip":     nil,
		"internal_port":   nil,
		"minecraft_ready": false,
	})
}

func (r *Reconciler) transition(ctx context.Context, island *types.Island, status types.IslandStatus, extra map[string]any) error {
	if err := r.store.UpdateIslandStatus(ctx, island.ID, status, extra); err != nil {
		return err
	}
	metrics.RecordIslandTransition(string(status))
	r.logger.Info().
		Uint("island_id", island.ID).
		Str("from", string(island.Status)).
		Str("to", string(status)).
		Msg("island reconciled")

	fresh, err := r.store.GetIslandByID(ctx, island.ID)
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
		members, err := r.store.ListTeamMembers(ctx, *fresh.TeamID)
		if err == nil {
			for _, m := range members {
				recipients = append(recipients, m.PlayerUUID)
			}
		}
	}
	if err := r.bus.Publish(ctx, recipients, ev); err != nil {
		r.logger.Warn().Err(err).Uint("island_id", island.ID).Msg("failed to publish reconciled state")
	}
	return nil
}
