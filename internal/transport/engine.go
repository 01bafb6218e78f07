// Package transport binds the session controller to the pion WebRTC engine:
// PeerConnection construction, media-engine population, send-only track
// attachment and the gathering/state-change signals.
package transport

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/roboviewer/robocam/internal/media"
	"github.com/roboviewer/robocam/internal/util"
)

// STUN servers for ICE candidate gathering. TURN is deliberately absent:
// deployments sit on the same network as their viewers or provide their own
// relay via the signaling configuration.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Engine wraps a single PeerConnection carrying the supervisor's tracks,
// attached send-only. It satisfies session.Engine.
type Engine struct {
	pc *webrtc.PeerConnection
}

// New builds a PeerConnection whose media engine knows the supervisor's
// encoders, and attaches every supervised track with an explicit send-only
// direction. The direction is fixed here, as configuration, so it stays
// unambiguous across renegotiations.
func New(src *media.Supervisor) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	src.PopulateMediaEngine(me)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	for _, track := range src.Tracks() {
		_, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("attaching %s track: %w", track.Kind(), err)
		}
	}

	pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		util.LogDebug("ICE gathering state: %s", s)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		util.LogDebug("ICE connection state: %s", s)
	})

	return &Engine{pc: pc}, nil
}

func (e *Engine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(desc)
}

func (e *Engine) CreateAnswer() (webrtc.SessionDescription, error) {
	return e.pc.CreateAnswer(nil)
}

func (e *Engine) SetLocalDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetLocalDescription(desc)
}

func (e *Engine) LocalDescription() *webrtc.SessionDescription {
	return e.pc.LocalDescription()
}

func (e *Engine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(candidate)
}

// StopUnmatched stops every transceiver the remote offer introduced that has
// no local sender track, so the answer marks it inactive instead of leaving
// the direction unresolved.
func (e *Engine) StopUnmatched() {
	for _, tr := range e.pc.GetTransceivers() {
		if tr.Sender() != nil && tr.Sender().Track() != nil {
			continue
		}
		if err := tr.Stop(); err != nil {
			util.LogWarning("stopping unmatched %s transceiver: %v", tr.Kind(), err)
		}
	}
}

func (e *Engine) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	e.pc.OnICECandidate(fn)
}

func (e *Engine) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	e.pc.OnConnectionStateChange(fn)
}

func (e *Engine) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(e.pc)
}

func (e *Engine) Close() error {
	return e.pc.Close()
}
