package kernel

import (
	"context"
	"errors"

	"github.com/skyblockdynamic/nestworld/pkg/bus"
	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/types"
)

// CreateTeam registers a team with the creator as owner. The creator
// must not already belong to a team.
func (k *Kernel) CreateTeam(ctx context.Context, name, ownerUUID string) (*types.Team, error) {
	if _, err := k.store.GetTeamMemberByPlayerUUID(ctx, ownerUUID); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	team := &types.Team{Name: name, OwnerUUID: ownerUUID}
	if err := k.store.CreateTeam(ctx, team); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	if err := k.store.AddTeamMember(ctx, &types.TeamMember{
		TeamID:     team.ID,
		PlayerUUID: ownerUUID,
		Role:       types.RoleOwner,
	}); err != nil {
		return nil, err
	}
	k.publishTeam(ctx, team.ID)
	return team, nil
}

// JoinTeam moves a player into a team. Refused while the player's
// current team still has other members. A singleton team the player
// leaves behind is deleted, along with its island; a solo island is
// torn down the same way: the new team's island replaces it.
func (k *Kernel) JoinTeam(ctx context.Context, teamID uint, playerUUID string) error {
	if _, err := k.store.GetTeamByID(ctx, teamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if member, err := k.store.GetTeamMemberByPlayerUUID(ctx, playerUUID); err == nil {
		if member.TeamID == teamID {
			return ErrAlreadyExists
		}
		others, err := k.store.ListTeamMembers(ctx, member.TeamID)
		if err != nil {
			return err
		}
		if len(others) > 1 {
			return ErrInvalidState
		}
		if err := k.dissolveSingletonTeam(ctx, member.TeamID, playerUUID); err != nil {
			return err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// A solo island cannot be carried into a team, and tearing down a
	// busy container mid-flight is not safe.
	solo, err := k.store.GetIslandByPlayerUUID(ctx, playerUUID)
	switch {
	case err == nil:
		if !solo.Status.StoppedOrErrored() {
			return ErrInvalidState
		}
	case errors.Is(err, store.ErrNotFound):
		solo = nil
	default:
		return err
	}

	if err := k.store.AddTeamMember(ctx, &types.TeamMember{
		TeamID:     teamID,
		PlayerUUID: playerUUID,
		Role:       types.RoleMember,
	}); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return err
	}

	if solo != nil {
		k.teardownIsland(ctx, solo, []string{playerUUID})
	}

	k.publishTeam(ctx, teamID)
	return nil
}

// dissolveSingletonTeam removes a one-member team the player is
// leaving behind, tearing down its island if one exists.
func (k *Kernel) dissolveSingletonTeam(ctx context.Context, teamID uint, playerUUID string) error {
	island, err := k.store.GetIslandByTeamID(ctx, teamID)
	switch {
	case err == nil:
		if !island.Status.StoppedOrErrored() {
			return ErrInvalidState
		}
		k.teardownIsland(ctx, island, []string{playerUUID})
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}
	return k.store.DeleteTeam(ctx, teamID)
}

// teardownIsland marks an island DELETING and removes it in the
// background.
func (k *Kernel) teardownIsland(ctx context.Context, island *types.Island, recipientIDs []string) {
	if _, err := k.setStatus(ctx, island.ID, types.StatusDeleting, nil); err != nil {
		k.logger.Error().Err(err).Uint("island_id", island.ID).Msg("failed to mark island for teardown")
		return
	}
	target := *island
	go func() {
		bgCtx, cancel := bgContext()
		defer cancel()
		if err := k.deleteFlow(bgCtx, &target, recipientIDs); err != nil {
			k.logger.Error().Err(err).Uint("island_id", target.ID).Msg("island teardown failed")
		}
	}()
}

// LeaveTeam removes a player from their team. The owner cannot leave
// while other members remain.
func (k *Kernel) LeaveTeam(ctx context.Context, playerUUID string) error {
	member, err := k.store.GetTeamMemberByPlayerUUID(ctx, playerUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if member.Role == types.RoleOwner {
		members, err := k.store.ListTeamMembers(ctx, member.TeamID)
		if err != nil {
			return err
		}
		if len(members) > 1 {
			return ErrInvalidState
		}
	}

	if err := k.store.RemoveTeamMember(ctx, member.TeamID, playerUUID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	k.publishTeam(ctx, member.TeamID)
	return nil
}

// GetTeamView assembles the client-facing team projection.
func (k *Kernel) GetTeamView(ctx context.Context, teamID uint) (*types.TeamView, error) {
	team, err := k.store.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	members, err := k.store.ListTeamMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}

	view := &types.TeamView{Team: *team, Members: members}
	island, err := k.store.GetIslandByTeamID(ctx, teamID)
	switch {
	case err == nil:
		iv := types.ViewOf(island)
		view.Island = &iv
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return view, nil
}

// GetIslandView resolves the island a player acts on.
func (k *Kernel) GetIslandView(ctx context.Context, playerUUID string) (*types.IslandView, error) {
	island, err := k.resolveIsland(ctx, playerUUID)
	if err != nil {
		return nil, err
	}
	view := types.ViewOf(island)
	return &view, nil
}

func (k *Kernel) publishTeam(ctx context.Context, teamID uint) {
	view, err := k.GetTeamView(ctx, teamID)
	if err != nil {
		k.logger.Warn().Err(err).Uint("team_id", teamID).Msg("failed to assemble team for publish")
		return
	}
	ids := make([]string, 0, len(view.Members))
	for _, m := range view.Members {
		ids = append(ids, m.PlayerUUID)
	}

	ev, err := bus.NewEvent(bus.EventTeamUpdated, view)
	if err != nil {
		return
	}
	if err := k.bus.Publish(ctx, ids, ev); err != nil {
		k.logger.Warn().Err(err).Uint("team_id", teamID).Msg("failed to publish team update")
	}
}
