// Package heartbeat implements the idle-timer liveness check: when the
// channel has been idle for heartbeatInterval, send a heartbeat
// request; if no response arrives within heartbeatTimeout, the channel
// is faulted.
package heartbeat

import (
	"sync"
	"time"

	"github.com/eventcore/esdbclient-go/wire"
	"github.com/google/uuid"
)

// Sender writes a single package to the wire, asynchronously.
type Sender interface {
	Send(wire.Package) error
}

// Monitor drives the idle-timer/ack/fault cycle for one connection. It
// has no notion of operations or subscriptions — a heartbeat package
// carries its own correlation id and never occupies an operation
// slot.
type Monitor struct {
	mu sync.Mutex

	interval time.Duration
	timeout  time.Duration
	onFault  func(error)
	sender   Sender

	idleTimer *time.Timer
	ackTimer  *time.Timer
	pending   wire.CorrelationID
	waiting   bool
	stopped   bool
}

// NewMonitor builds a Monitor. onFault is invoked (once) from an
// internal timer goroutine if a heartbeat goes unacknowledged within
// timeout; callers should treat it as "the channel is dead."
func NewMonitor(sender Sender, interval, timeout time.Duration, onFault func(error)) *Monitor {
	return &Monitor{
		sender:   sender,
		interval: interval,
		timeout:  timeout,
		onFault:  onFault,
	}
}

// Start arms the idle timer. Call once after the channel becomes
// readable/writable.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.idleTimer = time.AfterFunc(m.interval, m.fireHeartbeat)
}

// NoteActivity resets the idle timer; call it whenever any package is
// written to or read from the channel, so heartbeats are only sent
// during genuine idle periods.
func (m *Monitor) NoteActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.waiting {
		// Don't reset the idle clock while a heartbeat is outstanding —
		// the ack itself will clear `waiting` and rearm below.
		return
	}
	if m.idleTimer != nil {
		m.idleTimer.Reset(m.interval)
	}
}

func (m *Monitor) fireHeartbeat() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	id := wire.CorrelationID(uuid.New())
	m.pending = id
	m.waiting = true
	m.ackTimer = time.AfterFunc(m.timeout, m.fireTimeout)
	m.mu.Unlock()

	_ = m.sender.Send(wire.Package{Command: wire.CmdHeartbeatRequest, CorrelationID: id})
}

func (m *Monitor) fireTimeout() {
	m.mu.Lock()
	if m.stopped || !m.waiting {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.onFault(ErrHeartbeatTimeout)
}

// HandleResponse acknowledges a heartbeat reply. Responses for a
// correlation id other than the currently outstanding one are ignored
// (they belong to a heartbeat already timed out and superseded).
func (m *Monitor) HandleResponse(correlationID wire.CorrelationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.waiting || correlationID != m.pending {
		return
	}
	m.waiting = false
	if m.ackTimer != nil {
		m.ackTimer.Stop()
	}
	if m.idleTimer != nil {
		m.idleTimer.Reset(m.interval)
	}
}

// Stop disarms all timers; the heartbeat will not fault after this.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
	}
}

var ErrHeartbeatTimeout = heartbeatTimeoutError{}

type heartbeatTimeoutError struct{}

func (heartbeatTimeoutError) Error() string { return "heartbeat: no acknowledgement within timeout" }
