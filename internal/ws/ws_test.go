package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rahemur0910/ChatAppliocation/internal/models"
)

func testMessage(id, senderID, receiverID int) *models.Message {
	text := "hello"
	return &models.Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       &text,
		ReadBy:     []int{},
		CreatedAt:  time.Now(),
	}
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(nil)
	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.dispatch == nil {
		t.Error("Hub dispatch channel is nil")
	}
	if hub.register == nil {
		t.Error("Hub register channel is nil")
	}
	if hub.unregister == nil {
		t.Error("Hub unregister channel is nil")
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	client := &Client{userID: 1, hub: hub, send: make(chan *Event, 256)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	if !hub.IsUserOnline(1) {
		t.Error("user 1 should be online after register")
	}
	if hub.IsUserOnline(2) {
		t.Error("user 2 was never registered")
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if hub.IsUserOnline(1) {
		t.Error("user 1 should be offline after unregister")
	}
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	first := &Client{userID: 1, hub: hub, send: make(chan *Event, 256)}
	second := &Client{userID: 1, hub: hub, send: make(chan *Event, 256)}

	hub.register <- first
	hub.register <- second
	time.Sleep(10 * time.Millisecond)

	// Old client's send channel is closed on replacement
	select {
	case _, ok := <-first.send:
		if ok {
			t.Error("expected first client's send channel to be closed")
		}
	default:
		t.Error("first client's send channel should be closed")
	}

	// Stale unregister from the first connection must not evict the second
	hub.unregister <- first
	time.Sleep(10 * time.Millisecond)

	if !hub.IsUserOnline(1) {
		t.Error("second connection should survive the first's unregister")
	}
}

func TestDispatchReachesReceiverInOrder(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	client := &Client{userID: 2, hub: hub, send: make(chan *Event, 256)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		hub.Dispatch(testMessage(i, 1, 2))
	}

	for i := 1; i <= 5; i++ {
		select {
		case event := <-client.send:
			if event.Type != "new_message" {
				t.Errorf("event type = %q, want new_message", event.Type)
			}
			if event.Message.ID != i {
				t.Errorf("delivery order broken: got message %d, want %d", event.Message.ID, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestDispatchToOfflineUserIsNoOp(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	// Must not panic or block
	hub.Dispatch(testMessage(1, 1, 2))
	time.Sleep(10 * time.Millisecond)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][2]int
}

func (n *recordingNotifier) NotifyNewMessage(receiverID, senderID int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, [2]int{receiverID, senderID})
}

func TestDispatchOfflineTriggersNotifier(t *testing.T) {
	notifier := &recordingNotifier{}
	hub := NewHub(notifier)
	go hub.Run()

	hub.Dispatch(testMessage(1, 1, 2))
	time.Sleep(50 * time.Millisecond)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 1 {
		t.Fatalf("notifier calls = %d, want 1", len(notifier.calls))
	}
	if notifier.calls[0] != [2]int{2, 1} {
		t.Errorf("notifier call = %v, want [2 1]", notifier.calls[0])
	}
}

func TestDispatchOnlineSkipsNotifier(t *testing.T) {
	notifier := &recordingNotifier{}
	hub := NewHub(notifier)
	go hub.Run()

	client := &Client{userID: 2, hub: hub, send: make(chan *Event, 256)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Dispatch(testMessage(1, 1, 2))
	time.Sleep(50 * time.Millisecond)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 0 {
		t.Errorf("notifier should not fire for online receivers, got %d calls", len(notifier.calls))
	}
}

func TestHandleWebSocketRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	go hub.Run()

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		c.Set("user_id", 2)
		hub.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Wait for the register to land, then push a message through Dispatch
	deadline := time.Now().Add(time.Second)
	for !hub.IsUserOnline(2) {
		if time.Now().After(deadline) {
			t.Fatal("user 2 never came online")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Dispatch(testMessage(7, 1, 2))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if event.Type != "new_message" || event.Message == nil || event.Message.ID != 7 {
		t.Errorf("unexpected event: %+v", event)
	}
}
