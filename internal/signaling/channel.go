package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/roboviewer/robocam/internal/util"
)

// Channel is one WebSocket connection to the relay. Writes are serialized by
// a mutex; the receive loop is the single reader. A Channel is good for one
// connection lifetime — after ReceiveLoop returns, the caller discards it.
type Channel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the relay with a bounded number of fixed-interval
// attempts. Each failure is logged with its attempt index; exhausting the
// budget surfaces a connection-establishment error.
func Dial(ctx context.Context, url string, attempts int, delay time.Duration) (*Channel, error) {
	if attempts < 1 {
		attempts = 1
	}

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		util.LogInfo("connecting to relay (attempt %d/%d): %s", attempt, attempts, url)
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			util.LogWarning("relay connection attempt %d failed: %v", attempt, err)
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("relay unreachable after %d attempts: %w", attempts, err)
	}

	util.LogInfo("connected to relay: %s", url)
	return &Channel{conn: conn}, nil
}

// Send serializes and transmits one message. Failures are surfaced, not
// retried; session-level retry is the orchestrator's job.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("relay send %s: %w", msg.Type, err)
	}
	return nil
}

// ReceiveLoop reads inbound messages and dispatches each to handle until the
// connection closes or errors. An undecodable payload is logged and skipped;
// the returned error always means this connection is finished.
func (c *Channel) ReceiveLoop(ctx context.Context, handle func(Message)) error {
	// Unblock the blocking read when the caller shuts down.
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay connection closed: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("skipping undecodable relay message: %v", err)
			continue
		}
		handle(msg)
	}
}

// StartHeartbeat emits a liveness message at the given interval for as long
// as identity reports an assigned client id. A send failure stops the loop;
// the receive loop's close detection is the authoritative liveness signal.
func (c *Channel) StartHeartbeat(ctx context.Context, interval time.Duration, identity func() (clientID, roomID string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				clientID, roomID := identity()
				if clientID == "" {
					continue // not registered yet
				}
				err := c.Send(Message{
					Type:      MsgTypeHeartbeat,
					ClientID:  clientID,
					RoomID:    roomID,
					Timestamp: time.Now().Unix(),
				})
				if err != nil {
					util.LogDebug("heartbeat send failed, stopping heartbeat: %v", err)
					return
				}
				util.LogDebug("heartbeat sent")

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close tears down the connection. Safe to call while ReceiveLoop is blocked;
// the loop returns with a close error.
func (c *Channel) Close() error {
	return c.conn.Close()
}
