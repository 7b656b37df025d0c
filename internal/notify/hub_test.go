package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/domain/repository"
	"ScreenPulse/pkg/logger"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.Register(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func TestHubBroadcastReachesClient(t *testing.T) {
	hub := NewHub(logger.Nop())
	t.Cleanup(func() { hub.Close() })
	conn := dialHub(t, hub)

	hub.BroadcastSignalCreated(&models.Signal{ID: "s1", TraderID: "t1", Symbol: "BTCUSDT", Price: 100})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type string        `json:"type"`
		Data models.Signal `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != msgSignalCreated || env.Data.ID != "s1" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestHubInboundCommand(t *testing.T) {
	hub := NewHub(logger.Nop())
	t.Cleanup(func() { hub.Close() })
	conn := dialHub(t, hub)

	payload, _ := json.Marshal(repository.Command{Type: repository.CommandPause})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cmd := <-hub.Commands():
		if cmd.Type != repository.CommandPause {
			t.Fatalf("command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never arrived")
	}
}

func TestHubMalformedCommandIsIgnored(t *testing.T) {
	hub := NewHub(logger.Nop())
	t.Cleanup(func() { hub.Close() })
	conn := dialHub(t, hub)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cmd := <-hub.Commands():
		t.Fatalf("unexpected command %+v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(logger.Nop())
	conn := dialHub(t, hub)

	if err := hub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected read failure after hub close")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("clients = %d after close", hub.ClientCount())
	}
}

type recordingSink struct {
	statuses int
	signals  int
	closed   bool
	commands chan repository.Command
}

func (r *recordingSink) BroadcastStatusUpdate(string, int, time.Duration)      { r.statuses++ }
func (r *recordingSink) BroadcastMetricsUpdate(models.MetricSample)            {}
func (r *recordingSink) BroadcastSignalCreated(*models.Signal)                 { r.signals++ }
func (r *recordingSink) BroadcastAnalysisCompleted(*models.AnalysisResult)     {}
func (r *recordingSink) Commands() <-chan repository.Command                   { return r.commands }
func (r *recordingSink) Close() error                                          { r.closed = true; return nil }

func TestMultiSinkFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{commands: make(chan repository.Command)}
	m := NewMultiSink(a, b)

	m.BroadcastStatusUpdate("running", 4, time.Minute)
	m.BroadcastSignalCreated(&models.Signal{ID: "s1"})
	if a.statuses != 1 || b.statuses != 1 || a.signals != 1 || b.signals != 1 {
		t.Fatalf("fan-out incomplete: %+v %+v", a, b)
	}

	// Commands come from the first member with an inbound path.
	if m.Commands() == nil {
		t.Fatal("expected command channel from member b")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("close must reach every member")
	}
}
