package notify

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/applyd/applyd/pkg/models"
)

// Event types pushed to live observers
const (
	EventInitialState         = "initial_state"
	EventSessionUpdate        = "session_update"
	EventIntervention         = "intervention"
	EventInterventionResolved = "intervention_resolved"
	eventPong                 = "pong"
)

// Event is one message on the live channel
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SnapshotFunc produces the initial_state payload for a session. Injected
// by the session manager at wiring time.
type SnapshotFunc func(sessionID string) (interface{}, error)

type subscriber struct {
	conn      *websocket.Conn
	sessionID string // empty subscribes to every session
	mu        sync.Mutex
}

// send delivers one event at most once; a write failure marks the
// subscriber dead and is never retried.
func (s *subscriber) send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(event)
}

// Hub fans session and intervention transitions out to subscribed
// observers. Delivery is at-most-once per connection; observers that
// reconnect receive a fresh initial_state and nothing is replayed.
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	snapshot SnapshotFunc
	upgrader websocket.Upgrader
}

// NewHub creates a hub. The snapshot function may be set later via
// SetSnapshotFunc when wiring order requires it.
func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		subs:     make(map[*subscriber]struct{}),
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetSnapshotFunc installs the initial_state provider.
func (h *Hub) SetSnapshotFunc(snapshot SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = snapshot
}

// HandleSession upgrades the connection and subscribes it to one session's
// events. The subscriber may send "ping" (answered with pong) and "refresh"
// (answered with a fresh initial_state snapshot).
func (h *Hub) HandleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	snapshot, err := h.takeSnapshot(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("notify: failed to upgrade connection: %v", err)
		return
	}

	sub := &subscriber{conn: conn, sessionID: sessionID}
	if err := sub.send(Event{Type: EventInitialState, Payload: snapshot, Timestamp: time.Now()}); err != nil {
		conn.Close()
		return
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	log.Printf("notify: observer connected to session %s", sessionID)
	h.readLoop(sub)
}

// HandleFeed upgrades the connection and subscribes it to every session's
// events. The feed starts empty; there is no aggregate snapshot.
func (h *Hub) HandleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("notify: failed to upgrade connection: %v", err)
		return
	}

	sub := &subscriber{conn: conn}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	log.Printf("notify: observer connected to the global feed")
	h.readLoop(sub)
}

func (h *Hub) takeSnapshot(sessionID string) (interface{}, error) {
	h.mu.Lock()
	snapshot := h.snapshot
	h.mu.Unlock()

	if snapshot == nil {
		return nil, nil
	}
	return snapshot(sessionID)
}

// readLoop services liveness pings and snapshot refreshes until the
// observer disconnects.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.drop(sub)

	for {
		_, message, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("notify: observer read error: %v", err)
			}
			return
		}

		switch strings.TrimSpace(string(message)) {
		case "ping":
			if err := sub.send(Event{Type: eventPong, Timestamp: time.Now()}); err != nil {
				return
			}
		case "refresh":
			snapshot, err := h.takeSnapshot(sub.sessionID)
			if err != nil {
				continue
			}
			if err := sub.send(Event{Type: EventInitialState, Payload: snapshot, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.conn.Close()
	log.Printf("notify: observer disconnected from session %s", sub.sessionID)
}

// broadcast delivers an event to every subscriber of sessionID. Callers
// invoke it synchronously under the owning session's lock, which preserves
// per-session ordering; no cross-session ordering is promised.
func (h *Hub) broadcast(sessionID string, event Event) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		if sub.sessionID == "" || sub.sessionID == sessionID {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if err := sub.send(event); err != nil {
			log.Printf("notify: dropping observer of session %s: %v", sessionID, err)
			h.drop(sub)
		}
	}
}

// BroadcastSessionUpdate pushes a status/cursor change.
func (h *Hub) BroadcastSessionUpdate(sess *models.Session) {
	h.broadcast(sess.ID, Event{Type: EventSessionUpdate, Payload: sess, Timestamp: time.Now()})
}

// BroadcastIntervention announces a newly opened intervention.
func (h *Hub) BroadcastIntervention(iv *models.Intervention) {
	h.broadcast(iv.SessionID, Event{Type: EventIntervention, Payload: iv, Timestamp: time.Now()})
}

// BroadcastInterventionResolved announces an intervention resolution.
func (h *Hub) BroadcastInterventionResolved(iv *models.Intervention) {
	h.broadcast(iv.SessionID, Event{Type: EventInterventionResolved, Payload: iv, Timestamp: time.Now()})
}
