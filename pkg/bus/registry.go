package bus

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/skyblockdynamic/nestworld/pkg/log"
)

// Registry tracks the websocket clients connected to this process,
// keyed by player UUID. One connection per client; a reconnect evicts
// the previous socket.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*websocket.Conn
}

// NewRegistry returns an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*websocket.Conn)}
}

// Register attaches a connection for clientID, closing any previous one.
func (r *Registry) Register(clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.clients[clientID]
	r.clients[clientID] = conn
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Unregister drops the connection for clientID if it is still the
// registered one.
func (r *Registry) Unregister(clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	if r.clients[clientID] == conn {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()
}

// Count reports how many clients are connected locally.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Dispatch delivers an envelope to its local recipients. An empty
// recipient list broadcasts to everyone connected here. Write failures
// only log; the read loop notices the dead socket and unregisters it.
func (r *Registry) Dispatch(envelope Envelope) {
	r.mu.RLock()
	var targets []*websocket.Conn
	if len(envelope.RecipientIDs) == 0 {
		targets = make([]*websocket.Conn, 0, len(r.clients))
		for _, conn := range r.clients {
			targets = append(targets, conn)
		}
	} else {
		for _, id := range envelope.RecipientIDs {
			if conn, ok := r.clients[id]; ok {
				targets = append(targets, conn)
			}
		}
	}
	r.mu.RUnlock()

	logger := log.WithComponent("bus")
	for _, conn := range targets {
		if err := conn.WriteJSON(envelope.Event); err != nil {
			logger.Debug().Err(err).Str("event", string(envelope.Event.Type)).Msg("websocket write failed")
		}
	}
}
