// Package agent composes the signaling channel, the peer-session controller
// and the media supervisor into the top-level loop that keeps the node
// reachable across network faults.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/roboviewer/robocam/internal/config"
	"github.com/roboviewer/robocam/internal/media"
	"github.com/roboviewer/robocam/internal/session"
	"github.com/roboviewer/robocam/internal/signaling"
	"github.com/roboviewer/robocam/internal/transport"
	"github.com/roboviewer/robocam/internal/util"
)

// ErrReconnectExhausted is returned by Run when the reconnect budget runs
// out with no intervening successful session establishment.
var ErrReconnectExhausted = errors.New("reconnect budget exhausted")

// Agent owns one relay connection and one peer session at a time. The media
// supervisor lives across session rebuilds: capture sources stay warm while
// signaling and transport are torn down and rebuilt.
type Agent struct {
	cfg      *config.Config
	sup      *media.Supervisor
	identity *Identity
	policy   ReconnectPolicy

	newEngine session.EngineFactory
}

// New probes the media sources and prepares the agent. The supervisor is
// built exactly once per process.
func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	cfg.Normalize()

	sup, err := media.NewSupervisor(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("media supervisor: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		sup:      sup,
		identity: &Identity{NodeID: cfg.RobotID, RoomID: cfg.RoomID},
		policy: ReconnectPolicy{
			Enabled:     cfg.ReconnectEnabled,
			MaxAttempts: cfg.MaxReconnectAttempts,
			Delay:       cfg.ReconnectDelay,
		},
	}
	a.newEngine = func() (session.Engine, error) { return transport.New(sup) }
	return a, nil
}

// Run establishes sessions until the context is cancelled or the reconnect
// budget is exhausted. Each iteration owns a complete connect → register →
// join → serve cycle; any fault tears the whole session down and the policy
// decides whether to rebuild.
func (a *Agent) Run(ctx context.Context) error {
	if a.sup != nil {
		defer a.sup.Close()
	}

	for {
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		util.LogWarning("session ended: %v", err)
		util.Stats.AddReconnect()

		if !a.policy.Next(ctx) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if a.policy.Exhausted() {
				return ErrReconnectExhausted
			}
			return err
		}
	}
}

// runSession drives one full session lifetime. All resources acquired here
// are released on return, in reverse order; only the media supervisor
// survives.
func (a *Agent) runSession(ctx context.Context) error {
	ch, err := signaling.Dial(ctx, a.cfg.ServerURL, a.cfg.DialAttempts, a.cfg.DialDelay)
	if err != nil {
		return err
	}
	defer ch.Close()
	defer a.identity.Clear()

	ctrl, err := session.NewController(a.newEngine, ch.Send,
		a.cfg.ConnectTimeout, a.cfg.GatherTimeout, a.cfg.ResetSettleDelay)
	if err != nil {
		return fmt.Errorf("creating peer session: %w", err)
	}
	defer ctrl.Close()

	if err := ch.Send(signaling.Message{
		Type:       signaling.MsgTypeRegister,
		ClientType: "robot",
		RobotID:    a.identity.NodeID,
	}); err != nil {
		return err
	}
	if err := ch.Send(signaling.Message{
		Type:   signaling.MsgTypeJoinRoom,
		RoomID: a.identity.RoomID,
	}); err != nil {
		return err
	}

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	ch.StartHeartbeat(hbCtx, a.cfg.HeartbeatInterval, a.identity.Snapshot)

	// Full establishment reached: the retry budget starts fresh.
	a.policy.ResetBudget()
	util.LogInfo("session established, waiting for viewers in room %s", a.identity.RoomID)

	return ch.ReceiveLoop(ctx, func(msg signaling.Message) {
		a.dispatch(ctrl, msg)
	})
}

// dispatch routes one inbound relay message. Handler faults stay contained
// here; only the receive loop's own termination ends the session.
func (a *Agent) dispatch(ctrl *session.Controller, msg signaling.Message) {
	switch msg.Type {
	case signaling.MsgTypeRegistered:
		a.identity.SetClientID(msg.ClientID)
		util.LogInfo("registered with relay, client id %s", msg.ClientID)

	case signaling.MsgTypeRoomJoined:
		util.LogInfo("joined room %s", msg.RoomID)

	case signaling.MsgTypePeerJoined:
		// Stay passive: the viewer originates the offer.
		util.LogInfo("viewer joined, waiting for offer")

	case signaling.MsgTypeOffer:
		ctrl.HandleOffer(msg.SDP)

	case signaling.MsgTypeAnswer:
		ctrl.HandleAnswer(msg.SDP)

	case signaling.MsgTypeICECandidate:
		ctrl.HandleRemoteCandidate(msg.Candidate)

	case signaling.MsgTypePeerDisconnected:
		// The viewer is gone but the relay is healthy: recycle only the
		// peer session and keep the registration.
		util.LogInfo("viewer disconnected, resetting peer session")
		ctrl.Reset("peer disconnected")

	case signaling.MsgTypeError:
		util.LogError("relay error: %s", msg.Message)

	case signaling.MsgTypeHeartbeat:
		// relay echo, nothing to do

	default:
		util.LogDebug("ignoring relay message of kind %q", msg.Type)
	}
}
