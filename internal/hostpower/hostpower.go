// Package hostpower observes host power-state transitions for the Device
// Orchestrator's Immediate-apply path. spec.md §9 flags the source's
// sleep-based "assume success after 10s" reset handling as ambiguous and
// replaces it with observe-then-decide: poll a host signal until it changes
// or a timeout elapses. Boot time, read via gopsutil the same way
// internal/cli/ui/ui.go reads CPU/memory stats, is that signal — a changed
// boot time means the host actually reset.
package hostpower

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"fwupdate/internal/fwerr"
)

const (
	defaultPollPeriod = 200 * time.Millisecond
	defaultTimeout    = 10 * time.Second
)

// Observer watches host boot time to detect a reset.
type Observer struct {
	PollPeriod time.Duration
	Timeout    time.Duration
}

// NewObserver builds an Observer with the default poll/timeout, matching the
// 10-second window the source used for its (unconditional) sleep.
func NewObserver() *Observer {
	return &Observer{PollPeriod: defaultPollPeriod, Timeout: defaultTimeout}
}

// BootTime reports the host's current boot time, per gopsutil/v3/host.
func (o *Observer) BootTime(ctx context.Context) (uint64, error) {
	return host.BootTimeWithContext(ctx)
}

// AwaitReset requests a power transition via requestReset, then polls
// BootTime until it differs from the time observed just before the request,
// or Timeout elapses. Returns *fwerr.Error{Kind: KindProtocolFailure} on
// timeout, matching spec.md §9's "observe-then-decide" resolution.
func (o *Observer) AwaitReset(ctx context.Context, requestReset func() error) error {
	before, err := o.BootTime(ctx)
	if err != nil {
		return err
	}
	if err := requestReset(); err != nil {
		return err
	}

	deadline := time.Now().Add(o.Timeout)
	ticker := time.NewTicker(o.PollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			after, err := o.BootTime(ctx)
			if err != nil {
				return err
			}
			if after != before {
				return nil
			}
			if time.Now().After(deadline) {
				return fwerr.New(fwerr.KindProtocolFailure, "host reset not observed within timeout")
			}
		}
	}
}
