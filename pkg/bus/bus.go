package bus

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies a cross-process notification.
type EventType string

const (
	// EventIslandUpdated carries a fresh island projection after any
	// status or address change.
	EventIslandUpdated EventType = "island_updated"
	// EventIslandDeleted tells clients their island row is gone.
	EventIslandDeleted EventType = "island_deleted"
	// EventTeamUpdated signals membership changes.
	EventTeamUpdated EventType = "team_updated"
	// EventGracefulShutdownForUpdate asks a server to save and stop
	// ahead of a fleet update.
	EventGracefulShutdownForUpdate EventType = "graceful_shutdown_for_update"
)

// Event is the unit published on the bus.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A nil payload
// yields an event with no body.
func NewEvent(eventType EventType, payload any) (Event, error) {
	ev := Event{Type: eventType}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = raw
	return ev, nil
}

// Envelope is what actually travels on the wire: the event plus the
// player UUIDs it should be fanned out to. An empty recipient list
// means broadcast.
type Envelope struct {
	RecipientIDs []string `json:"recipient_ids"`
	Event        Event    `json:"event"`
}

// Handler consumes envelopes received from the bus.
type Handler func(Envelope)

// Bus fans events out across control-plane processes.
type Bus interface {
	// Publish sends an event to the given recipients on every process.
	Publish(ctx context.Context, recipientIDs []string, event Event) error

	// Subscribe blocks, delivering every envelope to handler until ctx
	// is cancelled.
	Subscribe(ctx context.Context, handler Handler) error

	// SetIfNotExists atomically claims a key with a TTL. Used for
	// leader election on startup reconciliation.
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Close releases the underlying connection.
	Close() error
}
