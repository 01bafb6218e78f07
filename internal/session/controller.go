// Package session drives exactly one live transport-engine session through
// its negotiation and teardown state machine. The node is a publisher: it
// waits for a remote offer, answers, and streams until the session dies,
// at which point it resets and waits for the next viewer.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/roboviewer/robocam/internal/ice"
	"github.com/roboviewer/robocam/internal/signaling"
	"github.com/roboviewer/robocam/internal/util"
)

// State is the lifecycle phase of the current peer session.
type State string

const (
	StateNew          State = "new"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Engine is the narrow slice of the WebRTC transport engine the controller
// drives. internal/transport provides the production implementation; tests
// substitute mocks.
type Engine interface {
	SetRemoteDescription(desc webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// StopUnmatched answers any transceiver without a local sender track as
	// inactive, keeping directions unambiguous across renegotiations.
	StopUnmatched()

	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	// GatheringComplete returns a channel closed once local ICE gathering
	// finishes. It must be requested before the local description is set.
	GatheringComplete() <-chan struct{}

	Close() error
}

// EngineFactory builds a fresh engine already carrying the local tracks.
type EngineFactory func() (Engine, error)

// SendFunc transmits one outbound relay message.
type SendFunc func(signaling.Message) error

// Controller owns the single live peer session. Exactly one engine exists
// at a time; a replacement is only built after the prior one is closed.
// State transitions, the watchdog and resets share one mutex; negotiation
// calls against the engine run outside it so asynchronous engine callbacks
// cannot deadlock against a blocked handler.
type Controller struct {
	newEngine EngineFactory
	send      SendFunc

	connectTimeout time.Duration
	gatherTimeout  time.Duration
	settleDelay    time.Duration

	mu        sync.Mutex
	engine    Engine
	state     State
	connState webrtc.PeerConnectionState
	watchdog  *time.Timer
	resetting bool
	closed    bool
}

// NewController builds the first engine and arms its callbacks.
func NewController(factory EngineFactory, send SendFunc, connectTimeout, gatherTimeout, settleDelay time.Duration) (*Controller, error) {
	c := &Controller{
		newEngine:      factory,
		send:           send,
		connectTimeout: connectTimeout,
		gatherTimeout:  gatherTimeout,
		settleDelay:    settleDelay,
		state:          StateNew,
		connState:      webrtc.PeerConnectionStateNew,
	}

	eng, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating peer session: %w", err)
	}
	c.engine = eng
	c.bind(eng)
	return c, nil
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// bind registers the engine's asynchronous callbacks.
func (c *Controller) bind(eng Engine) {
	eng.OnICECandidate(c.onLocalCandidate)
	eng.OnConnectionStateChange(c.onConnectionState)
}

// HandleOffer runs the full answer path: apply the remote offer, pin the
// transceiver directions, create and send the local answer, then wait for
// ICE gathering and drain every local candidate in session order before
// returning. Negotiation faults are logged and contained; a transient
// hiccup must not cost the signaling connection.
func (c *Controller) HandleOffer(remoteSDP string) {
	c.mu.Lock()
	if c.closed || c.engine == nil {
		c.mu.Unlock()
		util.LogWarning("offer received with no live session, ignoring")
		return
	}
	eng := c.engine
	c.state = StateNegotiating
	c.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}
	if err := eng.SetRemoteDescription(offer); err != nil {
		util.LogError("setting remote offer: %v", err)
		return
	}
	eng.StopUnmatched()

	// The promise must exist before gathering starts below.
	gathered := eng.GatheringComplete()

	answer, err := eng.CreateAnswer()
	if err != nil {
		util.LogError("creating answer: %v", err)
		return
	}
	if err := eng.SetLocalDescription(answer); err != nil {
		util.LogError("setting local answer: %v", err)
		return
	}
	if err := c.send(signaling.Message{Type: signaling.MsgTypeAnswer, SDP: answer.SDP}); err != nil {
		util.LogError("sending answer: %v", err)
		return
	}
	util.LogInfo("answer sent, waiting for ICE gathering")

	select {
	case <-gathered:
	case <-time.After(c.gatherTimeout):
		util.LogWarning("ICE gathering incomplete after %v, draining partial set", c.gatherTimeout)
	}
	c.drainLocalCandidates(eng)
}

// HandleAnswer applies a remote answer (the node rarely originates offers,
// but the relay contract allows it).
func (c *Controller) HandleAnswer(remoteSDP string) {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		util.LogWarning("answer received with no live session, ignoring")
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteSDP}
	if err := eng.SetRemoteDescription(desc); err != nil {
		util.LogError("setting remote answer: %v", err)
	}
}

// HandleRemoteCandidate normalizes an inbound wire candidate and hands it to
// the engine. Dropped candidates and engine rejections (e.g. arrival before
// the session is ready) are logged, never fatal.
func (c *Controller) HandleRemoteCandidate(raw json.RawMessage) {
	rec, err := ice.Decode(raw)
	if err != nil {
		util.LogWarning("dropping inbound ICE candidate: %v", err)
		return
	}

	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		util.LogWarning("no live session for inbound candidate %s:%d", rec.Address, rec.Port)
		return
	}

	if err := eng.AddICECandidate(rec.Init()); err != nil {
		util.LogWarning("adding ICE candidate %s:%d: %v", rec.Address, rec.Port, err)
	}
}

// drainLocalCandidates walks the gathered local description and emits one
// candidate message per a=candidate attribute, in session order.
func (c *Controller) drainLocalCandidates(eng Engine) {
	desc := eng.LocalDescription()
	if desc == nil || desc.SDP == "" {
		util.LogWarning("no local description to drain candidates from")
		return
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		util.LogError("parsing local description: %v", err)
		return
	}

	sent := 0
	for _, m := range parsed.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key != "candidate" {
				continue
			}
			rec, err := ice.ParseAttribute("candidate:" + a.Value)
			if err != nil {
				util.LogWarning("skipping local candidate: %v", err)
				continue
			}
			if c.sendCandidate(rec) {
				sent++
			}
		}
	}
	util.LogInfo("drained %d local ICE candidate(s)", sent)
}

func (c *Controller) sendCandidate(rec ice.Record) bool {
	raw, err := json.Marshal(ice.Encode(rec))
	if err != nil {
		util.LogError("encoding candidate: %v", err)
		return false
	}
	if err := c.send(signaling.Message{Type: signaling.MsgTypeICECandidate, Candidate: raw}); err != nil {
		util.LogWarning("sending candidate %s:%d: %v", rec.Address, rec.Port, err)
		return false
	}
	util.Stats.AddCandidate()
	return true
}

// onLocalCandidate trickles engine-surfaced candidates out immediately. The
// nil terminal candidate marks end of gathering and is logged only.
func (c *Controller) onLocalCandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		util.LogDebug("ICE gathering complete")
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.sendCandidate(ice.Record{
		Foundation: cand.Foundation,
		Component:  int(cand.Component),
		Protocol:   cand.Protocol.String(),
		Priority:   cand.Priority,
		Address:    cand.Address,
		Port:       int(cand.Port),
		Type:       cand.Typ.String(),
	})
}

// onConnectionState serializes asynchronous engine state changes into the
// controller's mutual-exclusion domain.
func (c *Controller) onConnectionState(s webrtc.PeerConnectionState) {
	util.LogInfo("peer connection state: %s", s)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connState = s

	switch s {
	case webrtc.PeerConnectionStateConnecting:
		c.startWatchdogLocked()
		c.mu.Unlock()

	case webrtc.PeerConnectionStateConnected:
		c.stopWatchdogLocked()
		c.state = StateConnected
		c.mu.Unlock()
		util.LogInfo("peer session established")

	case webrtc.PeerConnectionStateDisconnected:
		c.state = StateDisconnected
		c.mu.Unlock()
		go c.Reset("connection disconnected")

	case webrtc.PeerConnectionStateFailed:
		c.state = StateFailed
		c.mu.Unlock()
		go c.Reset("connection failed")

	default:
		c.mu.Unlock()
	}
}

// startWatchdogLocked arms the bounded connect timer. Reaching connected
// disarms it; expiry while the engine still reports connecting forces a
// reset. Caller holds c.mu.
func (c *Controller) startWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.AfterFunc(c.connectTimeout, func() {
		c.mu.Lock()
		expired := !c.closed && c.connState == webrtc.PeerConnectionStateConnecting
		c.mu.Unlock()
		if expired {
			util.LogError("connection watchdog expired after %v", c.connectTimeout)
			c.Reset("connect timeout")
		}
	})
}

func (c *Controller) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// Reset tears the current engine down and builds a fresh one attached to the
// same tracks, ready for a new offer. It is idempotent, safe from any
// trigger, and never lets a fault escape: a failed reset would strand the
// node unable to accept new viewers.
func (c *Controller) Reset(reason string) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("panic during peer session reset: %v", r)
		}
	}()

	c.mu.Lock()
	if c.closed || c.resetting {
		c.mu.Unlock()
		return
	}
	c.resetting = true
	c.stopWatchdogLocked()
	old := c.engine
	c.engine = nil
	c.mu.Unlock()

	util.LogInfo("resetting peer session: %s", reason)
	if old != nil {
		if err := old.Close(); err != nil {
			// A half-closed engine is expected here.
			util.LogWarning("closing prior session: %v", err)
		}
	}

	// Let the engine's asynchronous cleanup settle before rebuilding.
	time.Sleep(c.settleDelay)

	eng, err := c.newEngine()

	c.mu.Lock()
	c.resetting = false
	if c.closed {
		c.mu.Unlock()
		if eng != nil {
			eng.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		util.LogError("rebuilding peer session: %v", err)
		return
	}
	c.engine = eng
	c.state = StateNew
	c.connState = webrtc.PeerConnectionStateNew
	c.mu.Unlock()

	c.bind(eng)
	util.LogInfo("peer session reset, waiting for a new offer")
}

// Close terminates the controller for good. The state becomes closed and no
// replacement engine is ever created.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopWatchdogLocked()
	eng := c.engine
	c.engine = nil
	c.state = StateClosed
	c.mu.Unlock()

	if eng != nil {
		return eng.Close()
	}
	return nil
}
