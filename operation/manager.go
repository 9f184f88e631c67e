package operation

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eventcore/esdbclient-go/future"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/google/uuid"
)

var (
	ErrQueueFull        = errors.New("operation: waiting queue is at capacity")
	ErrManagerClosed    = errors.New("operation: manager is closed")
	ErrOperationTimeout = errors.New("operation: timed out awaiting a response")
)

// Sender writes a single package to the wire.
type Sender interface {
	Send(wire.Package) error
}

// Manager is the outstanding-request registry: it holds operations
// that are waiting for a dispatch slot and operations that are active
// (dispatched, awaiting a correlated response), enforces queue and
// concurrency bounds, and applies the retry/timeout/reconnect rules
// for outstanding operations.
//
// Dispatch, response handling, timeout sweeps, and connection
// transitions all take the same lock; only the network write itself
// happens outside it, so a slow Sender never blocks response handling
// for unrelated operations.
type Manager struct {
	mu sync.Mutex

	waiting []*Operation
	active  map[wire.CorrelationID]*Operation

	maxQueueSize  int
	maxConcurrent int

	sender Sender
	pool   future.Pool
	closed bool

	// failOnNoServerResponse governs CheckTimeouts: when set, a timed-out
	// operation fails outright instead of retrying.
	failOnNoServerResponse bool

	metrics *Metrics
	log     *slog.Logger

	// onReconnectRequested is invoked (outside the lock) whenever an
	// operation's inspector reports OutcomeReconnect, e.g. "not
	// leader" — the driver uses it to redirect to a new endpoint.
	onReconnectRequested func(endpoint string)
}

// NewManager builds a Manager. pool runs completion callbacks off the
// calling goroutine (normally the wire read-loop); metrics may be nil.
func NewManager(sender Sender, pool future.Pool, maxQueueSize, maxConcurrent int, failOnNoServerResponse bool, metrics *Metrics, log *slog.Logger, onReconnectRequested func(string)) *Manager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		active:                 make(map[wire.CorrelationID]*Operation),
		maxQueueSize:           maxQueueSize,
		maxConcurrent:          maxConcurrent,
		sender:                 sender,
		pool:                   pool,
		failOnNoServerResponse: failOnNoServerResponse,
		metrics:                metrics,
		log:                    log,
		onReconnectRequested:   onReconnectRequested,
	}
}

// Enqueue admits op to the waiting queue and attempts to dispatch
// immediately if a concurrency slot is free.
func (m *Manager) Enqueue(op *Operation) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if len(m.waiting)+len(m.active) >= m.maxQueueSize {
		m.mu.Unlock()
		m.metrics.QueueFull.Inc()
		return ErrQueueFull
	}
	m.waiting = append(m.waiting, op)
	toDispatch := m.drainDispatchableLocked()
	sender := m.sender
	m.mu.Unlock()

	m.dispatchAll(toDispatch, sender)
	return nil
}

// drainDispatchableLocked pops as many waiting operations as the
// concurrency budget allows, assigns each a fresh correlation id, and
// moves them into the active map. Must be called with mu held; the
// returned (op, package) pairs are dispatched by the caller after
// unlocking.
func (m *Manager) drainDispatchableLocked() []dispatchPair {
	if m.sender == nil {
		return nil
	}
	var out []dispatchPair
	for len(m.active) < m.maxConcurrent && len(m.waiting) > 0 {
		op := m.waiting[0]
		m.waiting = m.waiting[1:]

		id := wire.CorrelationID(uuid.New())
		op.correlationID = id
		op.LastAttemptAt = time.Now()
		op.state = InProgress
		m.active[id] = op

		out = append(out, dispatchPair{op: op, pkg: op.build(id)})
	}
	m.metrics.Waiting.Set(float64(len(m.waiting)))
	m.metrics.Active.Set(float64(len(m.active)))
	return out
}

type dispatchPair struct {
	op  *Operation
	pkg wire.Package
}

// dispatchAll sends pairs over sender, a snapshot taken under the same
// lock hold that produced pairs — m.sender itself must never be read
// here, since it can be cleared by a concurrent OnReconnecting between
// unlock and this call.
func (m *Manager) dispatchAll(pairs []dispatchPair, sender Sender) {
	if sender == nil {
		return
	}
	for _, p := range pairs {
		if err := sender.Send(p.pkg); err != nil {
			m.retryOrFail(p.op, err)
		}
	}
}

// HandleResponse correlates an incoming package to an active
// operation and applies the outcome of inspecting it. Packages with no
// matching active operation are silently dropped — they belong to an
// operation already completed or failed (e.g. a late retry response).
func (m *Manager) HandleResponse(p wire.Package) {
	m.mu.Lock()
	op, ok := m.active[p.CorrelationID]
	m.mu.Unlock()
	if !ok {
		return
	}

	outcome := op.inspect(p)
	switch outcome.Kind {
	case OutcomeContinue:
		// Multi-package response (e.g. a streamed read); stays active.
	case OutcomeSuccess:
		m.completeSuccess(op, outcome.Value)
	case OutcomeRetry:
		m.retryOrFail(op, outcome.Err)
	case OutcomeReconnect:
		m.requeueForReconnect(op)
		if m.onReconnectRequested != nil {
			m.onReconnectRequested(outcome.NewEndpoint)
		}
	case OutcomeFail:
		m.completeFail(op, outcome.Err)
	}
}

func (m *Manager) completeSuccess(op *Operation, value any) {
	m.mu.Lock()
	delete(m.active, op.correlationID)
	op.state = Completed
	m.metrics.Active.Set(float64(len(m.active)))
	toDispatch := m.drainDispatchableLocked()
	sender := m.sender
	m.mu.Unlock()

	m.submitCompletion(op, value, nil)
	m.dispatchAll(toDispatch, sender)
}

func (m *Manager) completeFail(op *Operation, err error) {
	m.mu.Lock()
	delete(m.active, op.correlationID)
	op.state = Faulted
	m.metrics.Active.Set(float64(len(m.active)))
	toDispatch := m.drainDispatchableLocked()
	sender := m.sender
	m.mu.Unlock()

	m.submitCompletion(op, nil, err)
	m.dispatchAll(toDispatch, sender)
}

func (m *Manager) submitCompletion(op *Operation, value any, err error) {
	run := func() { op.completion.complete(value, err) }
	if m.pool == nil || m.pool.Submit(run) != nil {
		run()
	}
}

// retryOrFail resubmits op to the back of the waiting queue, unless it
// has exhausted MaxRetries (MaxRetries < 0 means unlimited), in which
// case it fails outright.
func (m *Manager) retryOrFail(op *Operation, cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.submitCompletion(op, nil, cause)
		return
	}

	op.RetryCount++
	if op.MaxRetries >= 0 && op.RetryCount > op.MaxRetries {
		delete(m.active, op.correlationID)
		op.state = Faulted
		m.metrics.Active.Set(float64(len(m.active)))
		toDispatch := m.drainDispatchableLocked()
		sender := m.sender
		m.mu.Unlock()
		m.submitCompletion(op, nil, cause)
		m.dispatchAll(toDispatch, sender)
		return
	}

	delete(m.active, op.correlationID)
	op.state = Retrying
	m.waiting = append(m.waiting, op)
	m.metrics.Retries.Inc()
	toDispatch := m.drainDispatchableLocked()
	sender := m.sender
	m.mu.Unlock()

	m.dispatchAll(toDispatch, sender)
}

// requeueForReconnect moves op back to the front of the waiting queue
// without counting against MaxRetries — it didn't fail, the server
// just pointed the client elsewhere.
func (m *Manager) requeueForReconnect(op *Operation) {
	m.mu.Lock()
	delete(m.active, op.correlationID)
	op.state = Pending
	m.waiting = append([]*Operation{op}, m.waiting...)
	m.metrics.Reconnects.Inc()
	toDispatch := m.drainDispatchableLocked()
	sender := m.sender
	m.mu.Unlock()

	m.dispatchAll(toDispatch, sender)
}

// CheckTimeouts sweeps active operations and retries/fails any whose
// per-attempt Timeout has elapsed since LastAttemptAt. Call
// periodically (e.g. from the same timer driving the heartbeat). When
// failOnNoServerResponse is set, a timed-out operation fails outright
// instead of retrying — the caller asked to learn about a silent
// server rather than have it masked by a retry.
func (m *Manager) CheckTimeouts(now time.Time) {
	m.mu.Lock()
	var timedOut []*Operation
	for _, op := range m.active {
		if now.Sub(op.LastAttemptAt) > op.Timeout {
			timedOut = append(timedOut, op)
		}
	}
	m.mu.Unlock()

	for _, op := range timedOut {
		m.metrics.Timeouts.Inc()
		if m.failOnNoServerResponse {
			m.completeFail(op, ErrOperationTimeout)
		} else {
			m.retryOrFail(op, ErrOperationTimeout)
		}
	}
}

// OnReconnecting moves every active operation back to the waiting
// queue without touching its retry count — the connection dropped
// through no fault of the operation itself — and clears the sender so
// Enqueue-triggered dispatch waits for SetSender.
func (m *Manager) OnReconnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	requeued := make([]*Operation, 0, len(m.active))
	for _, op := range m.active {
		op.state = Pending
		op.correlationID = wire.CorrelationID{}
		requeued = append(requeued, op)
	}
	m.active = make(map[wire.CorrelationID]*Operation)
	m.waiting = append(requeued, m.waiting...)
	m.sender = nil
	m.metrics.Active.Set(0)
	m.metrics.Waiting.Set(float64(len(m.waiting)))
}

// SetSender installs the sender for a freshly (re)established
// connection and attempts to dispatch whatever is waiting.
func (m *Manager) SetSender(sender Sender) {
	m.mu.Lock()
	m.sender = sender
	toDispatch := m.drainDispatchableLocked()
	m.mu.Unlock()
	m.dispatchAll(toDispatch, sender)
}

// Close fails every waiting and active operation with err and refuses
// further enqueues.
func (m *Manager) Close(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := append(m.waiting, valuesOf(m.active)...)
	m.waiting = nil
	m.active = make(map[wire.CorrelationID]*Operation)
	m.metrics.Waiting.Set(0)
	m.metrics.Active.Set(0)
	m.mu.Unlock()

	for _, op := range all {
		op.state = Faulted
		m.submitCompletion(op, nil, err)
	}
}

func valuesOf(m map[wire.CorrelationID]*Operation) []*Operation {
	out := make([]*Operation, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
