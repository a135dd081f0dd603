package kernel

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/skyblockdynamic/nestworld/pkg/types"
)

// In-container paths the game server reads its config from.
const (
	islandDataPath      = "/opt/minecraft/world/serverconfig/skyblock_island_data.toml"
	playerSyncPath      = "/opt/minecraft/config/playersync-common.toml"
	minecraftUID        = 1000
	minecraftGID        = 1000
	serverIDPlaceholder = "{{SERVER_ID}}"
)

// playerSyncTemplate is rendered into playersync-common.toml with a
// fresh server id per island.
const playerSyncTemplate = `[general]
serverId = "{{SERVER_ID}}"
syncEnabled = true

[sync]
inventory = true
enderchest = true
advancements = true
`

type islandDataDoc struct {
	IsIslandServer bool     `toml:"is_island_server"`
	TeamID         *uint    `toml:"team_id,omitempty"`
	OwnerUUID      string   `toml:"owner_uuid,omitempty"`
	MemberUUIDs    []string `toml:"member_uuids,omitempty"`
	CreatorUUID    string   `toml:"creator_uuid,omitempty"`
}

// renderIslandData builds the skyblock_island_data.toml the game mod
// reads on boot. Team islands carry the owner and member list; solo
// islands just name their creator.
func renderIslandData(island *types.Island, team *types.Team, members []types.TeamMember) ([]byte, error) {
	doc := islandDataDoc{IsIslandServer: true}

	if island.TeamID != nil && team != nil {
		doc.TeamID = island.TeamID
		doc.OwnerUUID = team.OwnerUUID
		for _, m := range members {
			doc.MemberUUIDs = append(doc.MemberUUIDs, m.PlayerUUID)
		}
	} else if island.PlayerUUID != nil {
		doc.CreatorUUID = *island.PlayerUUID
	}

	raw, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render island data: %w", err)
	}
	return raw, nil
}

// renderPlayerSync fills the server id into the playersync config.
func renderPlayerSync() []byte {
	serverID := fmt.Sprintf("%d", 100000+rand.Intn(900000))
	return []byte(strings.ReplaceAll(playerSyncTemplate, serverIDPlaceholder, serverID))
}
