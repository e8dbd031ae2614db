package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tahirm/mongobranch/internal/branch"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventStream pushes branch lifecycle events to websocket clients, so
// dashboards see suspends and resumes without polling.
type EventStream struct {
	mgr *branch.Manager
}

// NewEventStream creates an event stream backed by the manager's bus.
func NewEventStream(mgr *branch.Manager) *EventStream {
	return &EventStream{mgr: mgr}
}

// HandleEvents handles GET /v1/events. An optional ?project= query
// restricts the stream to one project.
func (s *EventStream) HandleEvents(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade event stream connection: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.mgr.Subscribe()
	defer cancel()

	// Read pump: we expect nothing from the client, but reading is how we
	// learn the connection is gone.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-events:
			if project != "" && event.Project != project {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("event stream write failed: %v", err)
				}
				return
			}
		}
	}
}
