// Package control implements the recording engine's lifecycle state
// machine: it reacts to channel membership and enable/disable signals and
// decides when a recording segment should start, stop, or wait out a
// configured grace period before stopping.
package control

import (
	"log/slog"
	"sync"
	"time"
)

// State is one of the three lifecycle states.
type State int

const (
	Idle State = iota
	Active
	PendingStop
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case PendingStop:
		return "pending_stop"
	default:
		return "unknown"
	}
}

// Hooks are the side effects the state machine drives; the recorder wires
// its own segment-start/segment-stop implementations in.
type Hooks struct {
	// Start is called when the machine transitions into Active and a new
	// segment should begin recording.
	Start func()
	// Stop is called when the machine transitions to Idle; reason
	// documents why (alone timeout, disabled, disconnected).
	Stop func(reason string)
}

// Machine is a mutex-guarded lifecycle state machine. Safe for concurrent
// use from event callbacks, the mix tick, and the stop-delay timer.
type Machine struct {
	mu sync.Mutex

	state       State
	pendingReason string
	deadline    time.Time
	timer       *time.Timer

	enabled   bool
	connected bool
	alone     bool

	excludeUIDs map[string]struct{}
	stopDelay   time.Duration

	lastAloneCheck time.Time

	hooks Hooks
}

// New returns a Machine in the Idle state.
func New(hooks Hooks, excludeUIDs []string, stopDelay time.Duration) *Machine {
	excl := make(map[string]struct{}, len(excludeUIDs))
	for _, u := range excludeUIDs {
		excl[u] = struct{}{}
	}
	return &Machine{
		state:       Idle,
		alone:       true, // no membership known yet; treated as alone until told otherwise
		excludeUIDs: excl,
		stopDelay:   stopDelay,
		hooks:       hooks,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnabledChanged handles the recording.enabled toggle.
func (m *Machine) EnabledChanged(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	defer m.mu.Unlock()

	if !enabled {
		m.transitionToIdleLocked("recording disabled")
		return
	}
	m.maybeStartLocked()
}

// BotConnected marks the bot as present in a voice channel.
func (m *Machine) BotConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.maybeStartLocked()
}

// BotDisconnected tears down any active recording immediately.
func (m *Machine) BotDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.transitionToIdleLocked("bot disconnected")
}

// AloneChanged updates whether the channel is empty of qualifying members.
func (m *Machine) AloneChanged(alone bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAloneLocked(alone)
}

// ParticipantsChanged re-evaluates aloneness unconditionally, per the
// resolved design: always re-check, not only while a recording is active,
// so a departure during an Idle window can never leave a stale
// PendingStop deadline armed against updated membership.
func (m *Machine) ParticipantsChanged(alone bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAloneLocked(alone)
}

func (m *Machine) setAloneLocked(alone bool) {
	wasAlone := m.alone
	m.alone = alone
	if alone == wasAlone {
		return
	}

	switch m.state {
	case Active:
		if alone {
			m.armPendingStopLocked()
		}
	case PendingStop:
		if !alone {
			m.cancelTimerLocked()
			m.state = Active
			slog.Info("control: resumed, no longer alone")
		}
	case Idle:
		m.maybeStartLocked()
	}
}

// CheckAloneRateLimited runs the mix tick's throttled aloneness check: it
// skips if the previous check was less than 1s ago, and reports whether it
// actually ran.
func (m *Machine) CheckAloneRateLimited(alone bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if !m.lastAloneCheck.IsZero() && now.Sub(m.lastAloneCheck) < time.Second {
		return false
	}
	m.lastAloneCheck = now
	m.setAloneLocked(alone)
	return true
}

// IsExcluded reports whether uid is excluded from aloneness evaluation.
func (m *Machine) IsExcluded(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.excludeUIDs[uid]
	return ok
}

func (m *Machine) maybeStartLocked() {
	if m.state == Idle && m.enabled && m.connected && !m.alone {
		m.state = Active
		slog.Info("control: starting recording")
		if m.hooks.Start != nil {
			go m.hooks.Start()
		}
	}
}

func (m *Machine) armPendingStopLocked() {
	m.deadline = time.Now().Add(m.stopDelay)
	m.pendingReason = "channel empty > " + m.stopDelay.String()
	m.state = PendingStop
	slog.Info("control: pending stop armed", "deadline", m.deadline, "delay", m.stopDelay)

	m.cancelTimerLocked()
	m.timer = time.AfterFunc(m.stopDelay, func() {
		m.onDeadline()
	})
}

func (m *Machine) onDeadline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != PendingStop {
		return
	}
	m.transitionToIdleLocked(m.pendingReason)
}

func (m *Machine) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) transitionToIdleLocked(reason string) {
	m.cancelTimerLocked()
	if m.state == Idle {
		return
	}
	prev := m.state
	m.state = Idle
	slog.Info("control: stopping", "reason", reason, "from", prev.String())
	if m.hooks.Stop != nil {
		go m.hooks.Stop(reason)
	}
}

// Dispose stops any armed timer. Idempotent.
func (m *Machine) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimerLocked()
}

// Stats is a lightweight snapshot for status endpoints and metrics logging.
type Stats struct {
	State State
	Alone bool
}

// Snapshot returns the current Stats.
func (m *Machine) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{State: m.state, Alone: m.alone}
}
