// monitor/deadman.go
package monitor

import (
	"context"
	"sync"
	"time"

	"trading_gate/config"
	"trading_gate/logs"
)

// State is the agent liveness state.
type State string

const (
	Connected State = "connected"
	Idle      State = "idle"
	TimedOut  State = "timed_out"
)

// FallbackFunc runs the configured fallback. It is called at most once per
// timeout episode.
type FallbackFunc func(ctx context.Context, action config.FallbackAction) error

// SwitchFunc returns the dead-man settings of the current safety snapshot.
type SwitchFunc func() config.DeadManSwitch

// DeadMan watches agent contact and fires the fallback when the agent goes
// silent for longer than the configured timeout.
type DeadMan struct {
	mu          sync.Mutex
	state       State
	lastContact time.Time
	fired       bool
	episodes    int

	tick      time.Duration
	idleAfter time.Duration
	settings  SwitchFunc
	fallback  FallbackFunc
	now       func() time.Time
}

// NewDeadMan creates a monitor armed as if the agent had just connected.
func NewDeadMan(cfg config.DeadManConfig, settings SwitchFunc, fallback FallbackFunc) *DeadMan {
	d := &DeadMan{
		state:     Connected,
		tick:      time.Duration(cfg.TickSeconds) * time.Second,
		idleAfter: time.Duration(cfg.IdleAfterSeconds) * time.Second,
		settings:  settings,
		fallback:  fallback,
		now:       time.Now,
	}
	d.lastContact = d.now()
	return d
}

// SetClock replaces the time source and re-arms from the new clock.
func (d *DeadMan) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
	d.lastContact = now()
}

// Connect re-arms the monitor for a new agent session.
func (d *DeadMan) Connect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == TimedOut {
		logs.Infof("[DeadMan] Agent reconnected, re-arming after timeout episode %d", d.episodes)
	}
	d.state = Connected
	d.fired = false
	d.lastContact = d.now()
}

// Touch records contact on the current session. A timed-out monitor stays
// timed out until the agent reconnects.
func (d *DeadMan) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastContact = d.now()
	if d.state == Idle {
		d.state = Connected
	}
}

func (d *DeadMan) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LockedOut reports whether new orders must be refused.
func (d *DeadMan) LockedOut() bool {
	return d.State() == TimedOut
}

// Episodes counts how many times the fallback has fired.
func (d *DeadMan) Episodes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.episodes
}

// Check advances the state machine once and runs the fallback if this call
// is the one that entered timed_out.
func (d *DeadMan) Check(ctx context.Context) {
	sw := d.settings()

	d.mu.Lock()
	silence := d.now().Sub(d.lastContact)
	if d.state == Connected && silence >= d.idleAfter {
		logs.Infof("[DeadMan] No agent contact for %s, state idle", silence.Truncate(time.Second))
		d.state = Idle
	}
	if !sw.Enabled || d.state == TimedOut || silence < sw.Timeout() {
		d.mu.Unlock()
		return
	}
	d.state = TimedOut
	fire := !d.fired
	d.fired = true
	if fire {
		d.episodes++
	}
	d.mu.Unlock()

	if !fire {
		return
	}
	logs.Warnf("[DeadMan] !!!Agent silent for %s (timeout %s)!!! Running fallback %s", silence.Truncate(time.Second), sw.Timeout(), sw.Action)
	if err := d.fallback(ctx, sw.Action); err != nil {
		logs.Errorf("[DeadMan] Fallback %s failed: %v", sw.Action, err)
	}
}

// Start runs the check loop until stopChan closes.
func (d *DeadMan) Start(ctx context.Context, stopChan <-chan struct{}) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			logs.Info("[DeadMan] Monitor received stop signal, exiting.")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Check(ctx)
		}
	}
}
