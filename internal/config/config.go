// Package config holds the agent configuration types.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config stores all parameters gathered from CLI flags, with defaults that
// match an unattended robot deployment.
type Config struct {
	ServerURL string // WebSocket URL of the signaling relay
	RobotID   string // stable node identity; generated once if empty
	RoomID    string // logical room; derived from RobotID if empty

	CameraDevice int // CSI sensor id / preferred capture device index
	Width        int
	Height       int
	FrameRate    int
	EnableAudio  bool

	// Relay connection establishment (bounded, smaller in scope than the
	// full-session reconnect loop below).
	DialAttempts int
	DialDelay    time.Duration

	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration // watchdog for the connecting state
	GatherTimeout     time.Duration // bound on waiting for ICE gathering
	ResetSettleDelay  time.Duration // pause for engine cleanup during a reset

	ReconnectEnabled     bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		ServerURL:    "ws://127.0.0.1:3001",
		CameraDevice: 0,
		Width:        1280,
		Height:       720,
		FrameRate:    30,
		EnableAudio:  true,

		DialAttempts: 3,
		DialDelay:    5 * time.Second,

		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    30 * time.Second,
		GatherTimeout:     10 * time.Second,
		ResetSettleDelay:  200 * time.Millisecond,

		ReconnectEnabled:     true,
		MaxReconnectAttempts: 10,
		ReconnectDelay:       5 * time.Second,
	}
}

// Normalize fills derived fields: a generated robot id and the per-robot room.
func (c *Config) Normalize() {
	if c.RobotID == "" {
		c.RobotID = fmt.Sprintf("robot_%s", uuid.NewString()[:8])
	}
	if c.RoomID == "" {
		c.RoomID = fmt.Sprintf("room_%s", c.RobotID)
	}
}
