package signaling_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roboviewer/robocam/internal/signaling"
)

// newRelay starts a fake relay whose single connection is driven by script.
func newRelay(t *testing.T, script func(*websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialExhaustsAttempts(t *testing.T) {
	start := time.Now()
	_, err := signaling.Dial(context.Background(), "ws://127.0.0.1:1/ws", 3, time.Millisecond)
	if err == nil {
		t.Fatal("Dial succeeded against a dead address")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("error does not report the attempt budget: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("dial retries took %v, budget was 3 fast attempts", elapsed)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	hold := make(chan struct{})
	srv, url := newRelay(t, func(conn *websocket.Conn) {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.WriteJSON(signaling.Message{Type: signaling.MsgTypeRegistered, ClientID: "c9"})
		<-hold
	})
	defer srv.Close()
	defer close(hold)

	ch, err := signaling.Dial(context.Background(), url, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(signaling.Message{Type: signaling.MsgTypeRegister, RobotID: "robot_a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make(chan signaling.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go ch.ReceiveLoop(ctx, func(m signaling.Message) { got <- m })

	select {
	case m := <-got:
		if m.Type != signaling.MsgTypeRegistered || m.ClientID != "c9" {
			t.Fatalf("received %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	cancel()
}

func TestReceiveLoopSkipsUndecodable(t *testing.T) {
	hold := make(chan struct{})
	srv, url := newRelay(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		conn.WriteJSON(signaling.Message{Type: signaling.MsgTypeRoomJoined, RoomID: "room_a"})
		<-hold
	})
	defer srv.Close()
	defer close(hold)

	ch, err := signaling.Dial(context.Background(), url, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	got := make(chan signaling.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.ReceiveLoop(ctx, func(m signaling.Message) { got <- m })

	select {
	case m := <-got:
		if m.Type != signaling.MsgTypeRoomJoined {
			t.Fatalf("received %q, want room_joined", m.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after garbage never delivered")
	}
}

func TestReceiveLoopEndsOnServerClose(t *testing.T) {
	srv, url := newRelay(t, func(conn *websocket.Conn) {
		// accept and hang up immediately
	})
	defer srv.Close()

	ch, err := signaling.Dial(context.Background(), url, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- ch.ReceiveLoop(context.Background(), func(signaling.Message) {})
	}()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("ReceiveLoop returned nil after server close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveLoop did not return after server close")
	}
}

func TestHeartbeatWaitsForRegistration(t *testing.T) {
	got := make(chan signaling.Message, 8)
	srv, url := newRelay(t, func(conn *websocket.Conn) {
		for {
			var msg signaling.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			got <- msg
		}
	})
	defer srv.Close()

	ch, err := signaling.Dial(context.Background(), url, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	registered := make(chan struct{})
	identity := func() (string, string) {
		select {
		case <-registered:
			return "c7", "room_a"
		default:
			return "", ""
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.StartHeartbeat(ctx, 20*time.Millisecond, identity)

	// Unregistered: no heartbeat may be emitted.
	select {
	case m := <-got:
		t.Fatalf("heartbeat %+v sent before registration", m)
	case <-time.After(70 * time.Millisecond):
	}

	close(registered)

	select {
	case m := <-got:
		if m.Type != signaling.MsgTypeHeartbeat {
			t.Fatalf("received %q, want heartbeat", m.Type)
		}
		if m.ClientID != "c7" || m.RoomID != "room_a" || m.Timestamp == 0 {
			t.Fatalf("heartbeat payload = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat after registration")
	}
}
