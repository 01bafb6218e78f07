// Robocam — CLI entry point.
//
// This agent keeps a camera/microphone node reachable by remote viewers:
// it holds a WebSocket connection to a signaling relay, answers WebRTC
// offers, and publishes the best available local video source (hardware
// CSI pipeline, capture device, or a synthetic generator).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/roboviewer/robocam/internal/agent"
	"github.com/roboviewer/robocam/internal/config"
	"github.com/roboviewer/robocam/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	server := flag.String("server", cfg.ServerURL, "Signaling relay WebSocket URL")
	robotID := flag.String("robot-id", "", "Robot identity (generated when empty)")
	camera := flag.Int("camera", cfg.CameraDevice, "Camera device / CSI sensor index")
	width := flag.Int("width", cfg.Width, "Capture width")
	height := flag.Int("height", cfg.Height, "Capture height")
	fps := flag.Int("fps", cfg.FrameRate, "Capture frame rate")
	noAudio := flag.Bool("no-audio", false, "Disable the audio track")
	noReconnect := flag.Bool("no-reconnect", false, "Disable automatic reconnection")
	maxReconnect := flag.Int("max-reconnect", cfg.MaxReconnectAttempts, "Maximum reconnect attempts")
	reconnectDelay := flag.Duration("reconnect-delay", cfg.ReconnectDelay, "Delay between reconnect attempts")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	if *width < 1 || *height < 1 || *fps < 1 {
		util.LogError("invalid capture geometry: %dx%d@%d", *width, *height, *fps)
		os.Exit(1)
	}

	cfg.ServerURL = *server
	cfg.RobotID = *robotID
	cfg.CameraDevice = *camera
	cfg.Width = *width
	cfg.Height = *height
	cfg.FrameRate = *fps
	cfg.EnableAudio = !*noAudio
	cfg.ReconnectEnabled = !*noReconnect
	cfg.MaxReconnectAttempts = *maxReconnect
	cfg.ReconnectDelay = *reconnectDelay
	cfg.Normalize()

	pterm.Info.Println(fmt.Sprintf("Robocam — v%s", version))
	pterm.Println()
	util.LogInfo("node %s publishing to room %s via %s", cfg.RobotID, cfg.RoomID, cfg.ServerURL)

	agent.CheckNetwork()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		util.LogError("startup failed: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)

	start := time.Now()
	err = a.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		util.LogInfo("shutting down after %v", time.Since(start).Round(time.Second))
	case errors.Is(err, agent.ErrReconnectExhausted):
		util.LogError("giving up after %v: %v", time.Since(start).Round(time.Second), err)
		os.Exit(1)
	case err != nil:
		util.LogError("agent stopped: %v", err)
		os.Exit(1)
	}
}
