package server

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const eventWriteWait = 10 * time.Second

// eventMessage is the frame sent on /api/events.
type eventMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// handleAPIEvents streams hook events over a websocket. An optional
// agent_id query parameter narrows the stream to one agent.
func (s *Server) handleAPIEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Warning: events websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	filter := c.Query("agent_id")
	ch, cancel := s.events.Subscribe(0)
	defer cancel()

	// The read loop only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	if err := conn.WriteJSON(eventMessage{Type: "hello", Payload: gin.H{"agents": s.manager.Agents()}}); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case event, ok := <-ch:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if filter != "" && event.AgentID != filter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(eventMessage{Type: "hook_event", Payload: event}); err != nil {
				return
			}
		}
	}
}
