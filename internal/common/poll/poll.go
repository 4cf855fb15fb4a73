// Package poll implements the cancellable polling loop the warm pool uses
// to wait for sandbox readiness.
package poll

import (
	"context"
	"time"
)

// Outcome describes how a polling loop ended.
type Outcome int

const (
	// Ready means the probe reported completion.
	Ready Outcome = iota
	// Timeout means the deadline elapsed before the probe completed.
	Timeout
	// Cancelled means the caller's context was cancelled.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Probe inspects the watched condition. Returning done=true ends the loop
// with Ready; returning an error ends the loop immediately and the error is
// surfaced to the caller alongside the Ready outcome slot.
type Probe func(ctx context.Context) (done bool, err error)

// Until runs probe immediately and then on every interval tick until it
// reports done, fails, the max duration elapses, or ctx is cancelled.
func Until(ctx context.Context, interval, max time.Duration, probe Probe) (Outcome, error) {
	deadline := time.NewTimer(max)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := probe(ctx)
		if err != nil {
			return Ready, err
		}
		if done {
			return Ready, nil
		}

		select {
		case <-ctx.Done():
			return Cancelled, ctx.Err()
		case <-deadline.C:
			return Timeout, nil
		case <-ticker.C:
		}
	}
}
