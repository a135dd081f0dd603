package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Game clients connect from inside the fleet; origin checks happen
	// at the edge.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket attaches a client to the event fan-out. The read
// loop exists only to detect disconnects; clients never send data.
func (s *Server) handleWebsocket(c *gin.Context) {
	clientID := c.Param("client_id")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "client_id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.registry.Register(clientID, conn)
	s.logger.Debug().Str("client_id", clientID).Msg("websocket client connected")

	go func() {
		defer func() {
			s.registry.Unregister(clientID, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
