package subscription

import (
	"encoding/json"
	"sync"

	"github.com/eventcore/esdbclient-go/wire"
	"github.com/google/uuid"
)

// Manager is the subscription registry: a waiting map and an active
// map keyed by subscription id (the correlation id), symmetric to
// operation.Manager but confirmation-gated — no event callback fires
// until the server confirms the subscription — and reconnect-aware:
// active subscriptions survive a channel loss by moving back to
// waiting and re-subscribing with a fresh correlation id. The re-sent
// subscribe package comes from the same build function and carries no
// resume position; events pushed while the channel was down are not
// replayed.
type Manager struct {
	mu sync.Mutex

	waiting []*Entry
	active  map[wire.CorrelationID]*Entry

	sender Sender
	closed bool
}

// NewManager builds an empty subscription registry.
func NewManager(sender Sender) *Manager {
	return &Manager{
		active: make(map[wire.CorrelationID]*Entry),
		sender: sender,
	}
}

// SubscribeVolatile registers and dispatches a volatile subscription.
// build constructs the subscribe package for a given correlation id
// (called once per (re)connect attempt).
func (m *Manager) SubscribeVolatile(streamID string, build func(wire.CorrelationID) wire.Package, onEvent EventCallback, onDrop DropCallback) *Entry {
	e := &Entry{
		Kind:        Volatile,
		StreamID:    streamID,
		onEvent:     onEvent,
		onDrop:      onDrop,
		build:       build,
		state:       Subscribing,
		confirmedCh: make(chan struct{}),
	}
	m.admit(e)
	return e
}

// SubscribePersistent registers and dispatches a persistent
// subscription. Each delivered event carries a PersistentMsg id the
// caller acks/nacks via Ack/Nack.
func (m *Manager) SubscribePersistent(streamID, groupName string, bufferSize int, autoAck bool, maxRetries int, build func(wire.CorrelationID) wire.Package, onEvent EventCallback, onDrop DropCallback) *Entry {
	e := &Entry{
		Kind:        Persistent,
		StreamID:    streamID,
		GroupName:   groupName,
		BufferSize:  bufferSize,
		AutoAck:     autoAck,
		MaxRetries:  maxRetries,
		onEvent:     onEvent,
		onDrop:      onDrop,
		build:       build,
		state:       Subscribing,
		unacked:     make(map[wire.CorrelationID]ResolvedEvent),
		confirmedCh: make(chan struct{}),
	}
	m.admit(e)
	return e
}

func (m *Manager) admit(e *Entry) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.fireDrop(e, ConnectionClosed, nil)
		return
	}
	m.waiting = append(m.waiting, e)
	sender := m.sender
	m.mu.Unlock()

	if sender != nil {
		m.dispatch(e, sender)
	}
}

func (m *Manager) dispatch(e *Entry, sender Sender) {
	id := wire.CorrelationID(uuid.New())
	e.mu.Lock()
	e.correlationID = id
	pkg := e.build(id)
	e.mu.Unlock()

	m.mu.Lock()
	m.removeFromWaitingLocked(e)
	m.active[id] = e
	m.mu.Unlock()

	if err := sender.Send(pkg); err != nil {
		m.drop(e, ServerError, err)
	}
}

func (m *Manager) removeFromWaitingLocked(e *Entry) {
	for i, w := range m.waiting {
		if w == e {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}

// HandleResponse routes one server-pushed package to the subscription
// it correlates to. Unrecognized correlation ids are silently dropped
// — they belong to an operation (handled upstream) or a subscription
// already torn down.
func (m *Manager) HandleResponse(p wire.Package) {
	m.mu.Lock()
	e, ok := m.active[p.CorrelationID]
	m.mu.Unlock()
	if !ok {
		return
	}

	switch p.Command {
	case wire.CmdSubscriptionConfirmed, wire.CmdPersistentSubscriptionConfirmation:
		lastEventNumber, lastCommitPos, lastPreparePos := parseConfirmation(p.Payload)
		e.mu.Lock()
		e.state = Subscribed
		e.lastEventNumber = lastEventNumber
		e.lastCommitPos = lastCommitPos
		e.lastPreparePos = lastPreparePos
		e.closeConfirmedLocked()
		e.mu.Unlock()

	case wire.CmdStreamEventAppeared:
		m.deliver(e, p)

	case wire.CmdSubscriptionDropped:
		m.drop(e, classifyDropPayload(p.Payload), nil)

	default:
		// Unknown command on a live subscription correlation id: ignore.
	}
}

// confirmationPayload is the server's report of how far it has already
// applied, sent with a subscription/persistent-subscription
// confirmation frame.
type confirmationPayload struct {
	LastCommitPosition  int64 `json:"lastCommitPosition"`
	LastPreparePosition int64 `json:"lastPreparePosition"`
	LastEventNumber     int64 `json:"lastEventNumber"`
}

// parseConfirmation decodes a confirmation payload. An empty payload
// (a bare confirmation with no body) yields the same starting
// checkpoint a fresh subscription with nothing to resume would use.
func parseConfirmation(payload []byte) (lastEventNumber, lastCommitPos, lastPreparePos int64) {
	if len(payload) == 0 {
		return -1, 0, 0
	}
	var p confirmationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return -1, 0, 0
	}
	return p.LastEventNumber, p.LastCommitPosition, p.LastPreparePosition
}

// classifyDropPayload maps a single reason byte in the payload to a
// DropReason; payload schema specifics are esdb's concern, but the
// reason tag is stable enough to interpret here for the registry's own
// bookkeeping.
func classifyDropPayload(payload []byte) DropReason {
	if len(payload) == 0 {
		return ServerError
	}
	r := DropReason(payload[0])
	if r < DropUnsubscribed || r > UserInitiated {
		return ServerError
	}
	return r
}

func (m *Manager) deliver(e *Entry, p wire.Package) {
	e.mu.Lock()
	if e.state != Subscribed {
		e.mu.Unlock()
		return
	}
	re := ResolvedEvent{StreamID: e.StreamID, Payload: p.Payload}
	if e.Kind == Persistent {
		re.PersistentMsg = p.CorrelationID
		e.unacked[p.CorrelationID] = re
	}
	e.mu.Unlock()

	err := e.onEvent(re)

	if e.Kind == Persistent && e.AutoAck {
		if err != nil {
			m.Nack(e, re.PersistentMsg, "handler-exception")
		} else {
			m.Ack(e, re.PersistentMsg)
		}
	}

	if err != nil && e.Kind == Volatile {
		m.drop(e, EventHandlerException, err)
	}
}

// Ack acknowledges one or more persistent-subscription messages.
func (m *Manager) Ack(e *Entry, ids ...wire.CorrelationID) error {
	return m.ackNack(e, wire.CmdPersistentSubscriptionAck, ids)
}

// Nack negatively acknowledges persistent-subscription messages with a
// reason string carried in the NAK payload.
func (m *Manager) Nack(e *Entry, msgID wire.CorrelationID, reason string) error {
	e.mu.Lock()
	if e.Kind != Persistent {
		e.mu.Unlock()
		return ErrNotPersistent
	}
	delete(e.unacked, msgID)
	sender := m.currentSender()
	corr := e.correlationID
	e.mu.Unlock()

	if sender == nil {
		return nil
	}
	return sender.Send(wire.Package{
		Command:       wire.CmdPersistentSubscriptionNack,
		CorrelationID: corr,
		Payload:       append(msgID[:], []byte(reason)...),
	})
}

func (m *Manager) ackNack(e *Entry, cmd wire.CommandTag, ids []wire.CorrelationID) error {
	e.mu.Lock()
	if e.Kind != Persistent {
		e.mu.Unlock()
		return ErrNotPersistent
	}
	for _, id := range ids {
		delete(e.unacked, id)
	}
	sender := m.currentSender()
	corr := e.correlationID
	e.mu.Unlock()

	if sender == nil {
		return nil
	}
	payload := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		payload = append(payload, id[:]...)
	}
	return sender.Send(wire.Package{Command: cmd, CorrelationID: corr, Payload: payload})
}

func (m *Manager) currentSender() Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender
}

// Unsubscribe requests an explicit drop, reported with UserInitiated.
func (m *Manager) Unsubscribe(e *Entry) {
	sender := m.currentSender()
	e.mu.Lock()
	corr := e.correlationID
	e.mu.Unlock()
	if sender != nil {
		_ = sender.Send(wire.Package{Command: wire.CmdUnsubscribe, CorrelationID: corr})
	}
	m.drop(e, UserInitiated, nil)
}

// drop tears down e, fires its drop callback exactly once (only after
// any in-flight event callback has returned, which deliver already
// guarantees by calling drop synchronously from the same goroutine),
// and removes it from both maps.
func (m *Manager) drop(e *Entry, reason DropReason, err error) {
	m.mu.Lock()
	e.mu.Lock()
	corr := e.correlationID
	e.state = Unsubscribed
	e.mu.Unlock()
	delete(m.active, corr)
	m.removeFromWaitingLocked(e)
	m.mu.Unlock()

	m.fireDrop(e, reason, err)
}

func (m *Manager) fireDrop(e *Entry, reason DropReason, err error) {
	e.mu.Lock()
	if e.dropped {
		e.mu.Unlock()
		return
	}
	e.dropped = true
	e.dropReason = reason
	e.dropErr = err
	e.closeConfirmedLocked()
	cb := e.onDrop
	e.mu.Unlock()

	if cb != nil {
		cb(reason, err)
	}
}

// OnReconnecting moves every active subscription back to waiting and
// clears the sender. The last position recorded at confirmation stays
// on the entry; re-subscription does not send it.
func (m *Manager) OnReconnecting() {
	m.mu.Lock()
	requeued := make([]*Entry, 0, len(m.active))
	for _, e := range m.active {
		e.mu.Lock()
		e.state = Subscribing
		e.correlationID = wire.CorrelationID{}
		e.confirmedCh = make(chan struct{})
		e.confirmedClosed = false
		e.mu.Unlock()
		requeued = append(requeued, e)
	}
	m.active = make(map[wire.CorrelationID]*Entry)
	m.waiting = append(requeued, m.waiting...)
	m.sender = nil
	m.mu.Unlock()
}

// SetSender installs the sender for a freshly (re)established
// connection and re-dispatches every waiting subscription.
func (m *Manager) SetSender(sender Sender) {
	m.mu.Lock()
	m.sender = sender
	pending := append([]*Entry(nil), m.waiting...)
	m.mu.Unlock()

	for _, e := range pending {
		m.dispatch(e, sender)
	}
}

// Close drops every subscription with ConnectionClosed and refuses
// further registration.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := append([]*Entry(nil), m.waiting...)
	for _, e := range m.active {
		all = append(all, e)
	}
	m.waiting = nil
	m.active = make(map[wire.CorrelationID]*Entry)
	m.mu.Unlock()

	for _, e := range all {
		m.fireDrop(e, ConnectionClosed, nil)
	}
}
