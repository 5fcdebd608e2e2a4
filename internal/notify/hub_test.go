package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyd/applyd/pkg/models"
)

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleSession(w, r, r.URL.Query().Get("session"))
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?session="+sessionID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestConnectDeliversInitialState(t *testing.T) {
	hub := NewHub(func(sessionID string) (interface{}, error) {
		return map[string]string{"id": sessionID, "status": "in_progress"}, nil
	})
	_, wsURL := newTestServer(t, hub)

	conn := dial(t, wsURL, "session-1")

	event := readEvent(t, conn)
	assert.Equal(t, EventInitialState, event.Type)

	payload := event.Payload.(map[string]interface{})
	assert.Equal(t, "session-1", payload["id"])
}

func TestConnectUnknownSessionFailsBeforeUpgrade(t *testing.T) {
	hub := NewHub(func(sessionID string) (interface{}, error) {
		return nil, models.ErrSessionNotFound
	})
	srv, _ := newTestServer(t, hub)

	resp, err := http.Get(srv.URL + "?session=missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPingPong(t *testing.T) {
	hub := NewHub(func(string) (interface{}, error) { return nil, nil })
	_, wsURL := newTestServer(t, hub)

	conn := dial(t, wsURL, "session-1")
	readEvent(t, conn) // initial_state

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	event := readEvent(t, conn)
	assert.Equal(t, "pong", event.Type)
}

func TestRefreshResendsSnapshot(t *testing.T) {
	status := "in_progress"
	hub := NewHub(func(sessionID string) (interface{}, error) {
		return map[string]string{"status": status}, nil
	})
	_, wsURL := newTestServer(t, hub)

	conn := dial(t, wsURL, "session-1")
	readEvent(t, conn) // initial_state

	status = "submitted"
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("refresh")))

	event := readEvent(t, conn)
	assert.Equal(t, EventInitialState, event.Type)
	payload := event.Payload.(map[string]interface{})
	assert.Equal(t, "submitted", payload["status"])
}

func TestBroadcastReachesOnlyMatchingObservers(t *testing.T) {
	hub := NewHub(func(string) (interface{}, error) { return nil, nil })
	_, wsURL := newTestServer(t, hub)

	watching := dial(t, wsURL, "session-1")
	other := dial(t, wsURL, "session-2")
	readEvent(t, watching)
	readEvent(t, other)

	// Subscription registration races the first broadcast only in tests;
	// the production path broadcasts after a transition the observer caused.
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastSessionUpdate(&models.Session{ID: "session-1", Status: models.StatusInProgress})

	event := readEvent(t, watching)
	assert.Equal(t, EventSessionUpdate, event.Type)

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var unexpected Event
	err := other.ReadJSON(&unexpected)
	assert.Error(t, err, "observer of another session must not receive the event")
}

func TestGlobalFeedReceivesEverySession(t *testing.T) {
	hub := NewHub(func(string) (interface{}, error) { return nil, nil })
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleFeed))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastSessionUpdate(&models.Session{ID: "session-1"})
	hub.BroadcastSessionUpdate(&models.Session{ID: "session-2"})

	for _, want := range []string{"session-1", "session-2"} {
		event := readEvent(t, conn)
		require.Equal(t, EventSessionUpdate, event.Type)
		payload := event.Payload.(map[string]interface{})
		assert.Equal(t, want, payload["id"])
	}
}

func TestBroadcastPreservesPerSessionOrder(t *testing.T) {
	hub := NewHub(func(string) (interface{}, error) { return nil, nil })
	_, wsURL := newTestServer(t, hub)

	conn := dial(t, wsURL, "session-1")
	readEvent(t, conn)
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		hub.BroadcastSessionUpdate(&models.Session{ID: "session-1", Cursor: i})
	}

	for i := 0; i < 5; i++ {
		event := readEvent(t, conn)
		require.Equal(t, EventSessionUpdate, event.Type)
		payload := event.Payload.(map[string]interface{})
		assert.Equal(t, float64(i), payload["cursor"])
	}
}
