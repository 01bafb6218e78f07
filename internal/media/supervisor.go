// Package media supervises the prioritized selection of local capture
// sources (hardware CSI pipeline, enumerated devices, synthetic generator)
// and exposes stable encoder tracks that survive peer-session churn.
package media

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	"github.com/pion/webrtc/v4"

	"github.com/roboviewer/robocam/internal/config"
	"github.com/roboviewer/robocam/internal/util"
)

// videoClockRate is the RTP clock rate presentation timestamps advance at.
const videoClockRate = 90000

// Supervisor owns one video source plus an optional audio source. Sources
// are probed once at startup; the selection is never revisited. Tracks are
// reattached to every new peer session, and capture handles are released
// only on Close.
type Supervisor struct {
	width  int
	height int
	fps    int

	selector *mediadevices.CodecSelector
	source   mediadevices.VideoSource
	fallback *Synthetic

	videoTrack mediadevices.Track
	audioTrack mediadevices.Track

	// fixed-rate pacing state, touched only by the encoder goroutine
	interval time.Duration
	next     time.Time
	pts      int64
	ptsStep  int64

	mu     sync.Mutex
	closed bool
}

// NewSupervisor probes capture sources in priority order and builds the
// encoder tracks. It only fails when the codec stack itself cannot be
// constructed; missing hardware degrades, it does not error.
func NewSupervisor(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	s := &Supervisor{
		width:    cfg.Width,
		height:   cfg.Height,
		fps:      cfg.FrameRate,
		fallback: NewSynthetic(cfg.Width, cfg.Height, cfg.FrameRate),
		interval: time.Second / time.Duration(cfg.FrameRate),
		ptsStep:  videoClockRate / int64(cfg.FrameRate),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}

	s.source = s.selectVideoSource(ctx, cfg)
	s.videoTrack = mediadevices.NewVideoTrack(s, s.selector)

	if cfg.EnableAudio {
		if src, err := openAudio(); err != nil {
			util.LogWarning("audio unavailable, publishing video only: %v", err)
		} else {
			s.audioTrack = mediadevices.NewAudioTrack(src, s.selector)
			util.LogInfo("audio source: %s", src.label)
		}
	}

	return s, nil
}

// selectVideoSource applies the fallback order: hardware CSI pipeline, then
// enumerated devices, then the synthetic generator. Each stage is probed at
// most once.
func (s *Supervisor) selectVideoSource(ctx context.Context, cfg *config.Config) mediadevices.VideoSource {
	if src, err := openCSI(ctx, cfg.CameraDevice, s.width, s.height, s.fps); err != nil {
		util.LogDebug("CSI pipeline unavailable: %v", err)
	} else {
		util.LogInfo("video source: CSI camera (sensor %d)", cfg.CameraDevice)
		return src
	}

	if src, err := openDevice(s.width, s.height, s.fps); err != nil {
		util.LogWarning("no capture device available: %v", err)
	} else {
		util.LogInfo("video source: %s", src.label)
		return src
	}

	util.LogWarning("falling back to synthetic video")
	return s.fallback
}

// Read delivers the next frame to the encoder. Calls are paced to the
// configured frame rate and the presentation clock advances in fixed steps
// regardless of capture jitter. A failing source degrades to a synthetic
// frame for that call only.
func (s *Supervisor) Read() (image.Image, func(), error) {
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	if wait := s.next.Sub(now); wait > 0 {
		time.Sleep(wait)
	} else if wait < -s.interval {
		s.next = now // resync after a stall
	}
	s.next = s.next.Add(s.interval)
	s.pts += s.ptsStep

	s.mu.Lock()
	closed, src := s.closed, s.source
	s.mu.Unlock()
	if closed {
		return nil, func() {}, io.EOF
	}

	img, release, err := src.Read()
	if err != nil {
		util.Stats.AddFallbackFrame()
		util.LogDebug("capture failed, substituting synthetic frame: %v", err)
		img, release, err = s.fallback.Read()
		if err != nil {
			return nil, func() {}, err
		}
	}
	util.Stats.AddFrame()
	return img, release, nil
}

// ID identifies the supervised source chain.
func (s *Supervisor) ID() string { return "supervised:" + s.source.ID() }

// Close releases all capture handles. Idempotent; called on process
// shutdown, never on peer-session recreation.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.source.Close(); err != nil {
		util.LogWarning("closing video source: %v", err)
	}
	if s.audioTrack != nil {
		if err := s.audioTrack.Close(); err != nil {
			util.LogWarning("closing audio track: %v", err)
		}
	}
	return nil
}

// Tracks returns the local tracks to attach to a peer session: video always,
// audio only when a source was found.
func (s *Supervisor) Tracks() []mediadevices.Track {
	tracks := []mediadevices.Track{s.videoTrack}
	if s.audioTrack != nil {
		tracks = append(tracks, s.audioTrack)
	}
	return tracks
}

// HasAudio reports whether an audio source is attached.
func (s *Supervisor) HasAudio() bool { return s.audioTrack != nil }

// PopulateMediaEngine registers the selected encoders with a transport
// engine's media stack.
func (s *Supervisor) PopulateMediaEngine(me *webrtc.MediaEngine) {
	s.selector.Populate(me)
}
