package session_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roboviewer/robocam/internal/ice"
	"github.com/roboviewer/robocam/internal/session"
	"github.com/roboviewer/robocam/internal/signaling"
)

// Compile-time interface check.
var _ session.Engine = (*mockEngine)(nil)

var errFake = errors.New("simulated engine fault")

// answerSDP is a minimal gathered local description carrying exactly one
// host candidate.
const answerSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=candidate:1 1 udp 2130706431 192.168.1.50 50000 typ host\r\n"

// mockEngine simulates the transport engine. Gathering completes instantly
// and state changes are fired manually by the test.
type mockEngine struct {
	mu          sync.Mutex
	remote      *webrtc.SessionDescription
	local       *webrtc.SessionDescription
	added       []webrtc.ICECandidateInit
	stopped     int
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	gathered    chan struct{}
	closed      bool

	remoteErr error
}

func newMockEngine() *mockEngine {
	m := &mockEngine{gathered: make(chan struct{})}
	close(m.gathered)
	return m
}

func (m *mockEngine) SetRemoteDescription(d webrtc.SessionDescription) error {
	if m.remoteErr != nil {
		return m.remoteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = &d
	return nil
}

func (m *mockEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}, nil
}

func (m *mockEngine) SetLocalDescription(d webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = &d
	return nil
}

func (m *mockEngine) LocalDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *mockEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, c)
	return nil
}

func (m *mockEngine) StopUnmatched() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}

func (m *mockEngine) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandidate = fn
}

func (m *mockEngine) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *mockEngine) GatheringComplete() <-chan struct{} { return m.gathered }

func (m *mockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockEngine) fireState(s webrtc.PeerConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (m *mockEngine) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// engineFarm hands out mock engines and remembers every one it created. An
// optional gate parks factory calls so tests can hold a reset mid-flight.
type engineFarm struct {
	mu      sync.Mutex
	engines []*mockEngine
	gate    chan struct{}
	entered chan struct{}
}

func (f *engineFarm) factory() (session.Engine, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	m := newMockEngine()
	f.engines = append(f.engines, m)
	return m, nil
}

func (f *engineFarm) setGate(gate, entered chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate, f.entered = gate, entered
}

func (f *engineFarm) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *engineFarm) engine(i int) *mockEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

// sendRecorder captures outbound relay messages.
type sendRecorder struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func (r *sendRecorder) send(msg signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *sendRecorder) all() []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.Message(nil), r.msgs...)
}

func newTestController(t *testing.T, farm *engineFarm, rec *sendRecorder) *session.Controller {
	t.Helper()
	c, err := session.NewController(farm.factory, rec.send,
		50*time.Millisecond, 100*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHandleOfferSendsAnswerThenCandidates(t *testing.T) {
	farm := &engineFarm{}
	rec := &sendRecorder{}
	c := newTestController(t, farm, rec)

	c.HandleOffer("v=0 fake offer")

	if got := c.State(); got != session.StateNegotiating {
		t.Errorf("state = %s, want negotiating", got)
	}

	msgs := rec.all()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want answer + 1 candidate", len(msgs))
	}
	if msgs[0].Type != signaling.MsgTypeAnswer || msgs[0].SDP != answerSDP {
		t.Errorf("first message = %+v, want the answer", msgs[0].Type)
	}
	if msgs[1].Type != signaling.MsgTypeICECandidate {
		t.Fatalf("second message type = %s, want ice_candidate", msgs[1].Type)
	}

	rec2, err := ice.Decode(msgs[1].Candidate)
	if err != nil {
		t.Fatalf("decoding drained candidate: %v", err)
	}
	if rec2.Address != "192.168.1.50" || rec2.Port != 50000 {
		t.Errorf("candidate endpoint = %s:%d", rec2.Address, rec2.Port)
	}

	if farm.engine(0).stopped == 0 {
		t.Error("unmatched transceivers were not stopped after the remote offer")
	}
}

func TestHandleOfferRemoteFailureContained(t *testing.T) {
	farm := &engineFarm{}
	rec := &sendRecorder{}
	c := newTestController(t, farm, rec)

	farm.engine(0).remoteErr = errFake
	c.HandleOffer("bad")

	if len(rec.all()) != 0 {
		t.Errorf("messages sent despite negotiation failure: %v", rec.all())
	}
	// The session survives a negotiation hiccup.
	if farm.engine(0).isClosed() {
		t.Error("engine closed on a contained negotiation fault")
	}
}

func TestHandleRemoteCandidate(t *testing.T) {
	farm := &engineFarm{}
	rec := &sendRecorder{}
	c := newTestController(t, farm, rec)

	c.HandleRemoteCandidate(json.RawMessage(`{"candidate": "garbage"}`))
	if n := len(farm.engine(0).added); n != 0 {
		t.Fatalf("dropped candidate reached the engine (%d added)", n)
	}

	c.HandleRemoteCandidate(json.RawMessage(
		`{"candidate": "candidate:1 1 udp 2130706431 10.0.0.9 40000 typ host", "sdpMid": "0", "sdpMLineIndex": 0}`))
	if n := len(farm.engine(0).added); n != 1 {
		t.Fatalf("valid candidate not added (%d added)", n)
	}
}

func TestWatchdogCancelledOnConnected(t *testing.T) {
	farm := &engineFarm{}
	c := newTestController(t, farm, &sendRecorder{})

	farm.engine(0).fireState(webrtc.PeerConnectionStateConnecting)
	farm.engine(0).fireState(webrtc.PeerConnectionStateConnected)

	time.Sleep(120 * time.Millisecond) // past the 50ms watchdog
	if got := c.State(); got != session.StateConnected {
		t.Errorf("state = %s, want connected (watchdog must be cancelled)", got)
	}
	if farm.count() != 1 {
		t.Errorf("%d engines created, want 1 (no reset)", farm.count())
	}
}

func TestWatchdogExpiryForcesReset(t *testing.T) {
	farm := &engineFarm{}
	c := newTestController(t, farm, &sendRecorder{})

	farm.engine(0).fireState(webrtc.PeerConnectionStateConnecting)

	deadline := time.Now().Add(time.Second)
	for farm.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if farm.count() != 2 {
		t.Fatalf("%d engines created, want 2 after watchdog expiry", farm.count())
	}
	if !farm.engine(0).isClosed() {
		t.Error("prior engine not closed before replacement")
	}
	if got := c.State(); got != session.StateNew {
		t.Errorf("state = %s, want new", got)
	}
}

func TestFailedStateTriggersReset(t *testing.T) {
	farm := &engineFarm{}
	c := newTestController(t, farm, &sendRecorder{})

	farm.engine(0).fireState(webrtc.PeerConnectionStateFailed)

	deadline := time.Now().Add(time.Second)
	for farm.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := farm.count(); got != 2 {
		t.Fatalf("%d engines created, want 2 after failed state", got)
	}
	if !farm.engine(0).isClosed() {
		t.Error("prior engine not closed")
	}
	if got := c.State(); got != session.StateNew {
		t.Errorf("state = %s, want new", got)
	}
}

func TestOverlappingResetsCollapse(t *testing.T) {
	farm := &engineFarm{}
	c := newTestController(t, farm, &sendRecorder{})

	// Park the first reset inside the engine factory, then fire the second.
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	farm.setGate(gate, entered)

	go c.Reset("first trigger")
	<-entered
	c.Reset("second trigger") // must observe the reset in flight and return

	farm.setGate(nil, nil)
	close(gate)

	deadline := time.Now().Add(time.Second)
	for farm.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // room for an erroneous extra rebuild

	if got := farm.count(); got != 2 {
		t.Fatalf("%d engines created, want exactly 2", got)
	}
	if !farm.engine(0).isClosed() {
		t.Error("prior engine not closed")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	farm := &engineFarm{}
	c := newTestController(t, farm, &sendRecorder{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := c.State(); got != session.StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if !farm.engine(0).isClosed() {
		t.Error("engine not closed")
	}

	c.Reset("after close")
	time.Sleep(50 * time.Millisecond)
	if farm.count() != 1 {
		t.Errorf("reset after close created an engine (%d total)", farm.count())
	}
}
