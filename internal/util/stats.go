package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session/media counter.
var Stats = &stats{}

type stats struct {
	Frames         atomic.Int64 // frames delivered to the encoder since process start
	FallbackFrames atomic.Int64 // frames substituted by the synthetic generator
	CandidatesSent atomic.Int64 // outbound ICE candidate messages
	Reconnects     atomic.Int64 // full session teardown/rebuild cycles
}

func (s *stats) AddFrame()         { s.Frames.Add(1) }
func (s *stats) AddFallbackFrame() { s.FallbackFrames.Add(1) }
func (s *stats) AddCandidate()     { s.CandidatesSent.Add(1) }
func (s *stats) AddReconnect()     { s.Reconnects.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs capture/session statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevFrames, prevFallback int64
		for {
			select {
			case <-ticker.C:
				frames := Stats.Frames.Load()
				fallback := Stats.FallbackFrames.Load()

				fps := float64(frames-prevFrames) / 10.0
				if frames != prevFrames || fallback != prevFallback {
					pterm.DefaultLogger.Info(formatStats(
						fps,
						fallback-prevFallback,
						Stats.CandidatesSent.Load(),
						Stats.Reconnects.Load(),
					))
				}

				prevFrames = frames
				prevFallback = fallback

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(fps float64, fallback, candidates, reconnects int64) string {
	return fmt.Sprintf("Video: %4.1f fps (%d synthetic) | ICE sent: %d | Reconnects: %d",
		fps,
		fallback,
		candidates,
		reconnects,
	)
}
