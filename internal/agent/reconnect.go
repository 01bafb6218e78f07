package agent

import (
	"context"
	"time"

	"github.com/roboviewer/robocam/internal/util"
)

// ReconnectPolicy bounds the full-session rebuild loop. It is only touched
// from the agent's run loop, so it needs no locking. The attempt counter
// resets to zero on every successful full establishment and increments on
// every teardown-triggered retry; overrunning MaxAttempts disables the
// policy permanently.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	Delay       time.Duration

	attempts  int
	exhausted bool
}

// ResetBudget clears the attempt counter after a full session establishment.
func (p *ReconnectPolicy) ResetBudget() { p.attempts = 0 }

// Exhausted reports whether the budget ran out (as opposed to reconnection
// having been disabled from the start).
func (p *ReconnectPolicy) Exhausted() bool { return p.exhausted }

// Next accounts one teardown and sleeps the fixed delay. It returns false
// when no further attempt may be made: policy disabled, budget exhausted,
// or the context cancelled (the sleep is interruptible so shutdown stays
// prompt).
func (p *ReconnectPolicy) Next(ctx context.Context) bool {
	if !p.Enabled {
		return false
	}

	p.attempts++
	if p.attempts > p.MaxAttempts {
		util.LogError("reached maximum reconnect attempts (%d), giving up", p.MaxAttempts)
		p.Enabled = false
		p.exhausted = true
		return false
	}

	util.LogInfo("reconnecting in %v (attempt %d/%d)", p.Delay, p.attempts, p.MaxAttempts)
	select {
	case <-time.After(p.Delay):
		return true
	case <-ctx.Done():
		return false
	}
}
