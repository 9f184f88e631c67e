// Package subscription implements the server-push subscription
// registry: volatile and persistent subscriptions that multiplex
// server-pushed events onto user callbacks, in strict per-subscription
// order, surviving reconnects by re-subscribing; events pushed while
// the channel was down are not replayed.
package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/eventcore/esdbclient-go/wire"
)

// State mirrors an Operation's lifecycle but confirmation precedes
// streaming: no event is delivered until the server confirms.
type State int

const (
	Subscribing State = iota
	Subscribed
	Unsubscribed
)

// DropReason is the closed set of reasons a subscription's drop
// callback can report.
type DropReason int

const (
	DropUnsubscribed DropReason = iota
	AccessDenied
	NotFound
	PersistentSubscriptionDeleted
	SubscriberMaxCountReached
	ConnectionClosed
	CatchUpError
	ProcessingQueueOverflow
	EventHandlerException
	ServerError
	UserInitiated
)

func (r DropReason) String() string {
	switch r {
	case DropUnsubscribed:
		return "unsubscribed"
	case AccessDenied:
		return "access-denied"
	case NotFound:
		return "not-found"
	case PersistentSubscriptionDeleted:
		return "persistent-subscription-deleted"
	case SubscriberMaxCountReached:
		return "subscriber-max-count-reached"
	case ConnectionClosed:
		return "connection-closed"
	case CatchUpError:
		return "catch-up-error"
	case ProcessingQueueOverflow:
		return "processing-queue-overflow"
	case EventHandlerException:
		return "event-handler-exception"
	case ServerError:
		return "server-error"
	case UserInitiated:
		return "user-initiated"
	default:
		return "unknown"
	}
}

// ResolvedEvent is the payload handed to a subscription's event
// callback. The byte payload is opaque here: decoding the per-command
// schema is esdb's job, not subscription's.
type ResolvedEvent struct {
	StreamID      string
	EventNumber   int64
	CommitPos     int64
	PreparePos    int64
	Payload       []byte
	PersistentMsg wire.CorrelationID // non-zero for persistent pushes: the per-message ack/nack id
}

// EventCallback handles one delivered event.
type EventCallback func(ResolvedEvent) error

// DropCallback fires at most once, after the last successful event
// callback for that subscription.
type DropCallback func(reason DropReason, err error)

// Sender writes a single package to the wire.
type Sender interface {
	Send(wire.Package) error
}

// Kind distinguishes volatile from persistent subscriptions — the two
// share confirm-then-stream plumbing but differ in ack handling.
type Kind int

const (
	Volatile Kind = iota
	Persistent
)

// Entry is one subscription's bookkeeping.
type Entry struct {
	mu sync.Mutex

	Kind       Kind
	StreamID   string // "" means $all
	GroupName  string // persistent only
	BufferSize int    // persistent only
	AutoAck    bool   // persistent only
	MaxRetries int    // persistent only: connect-attempt retries

	onEvent EventCallback
	onDrop  DropCallback

	state State

	lastEventNumber int64
	lastCommitPos   int64
	lastPreparePos  int64

	// confirmedCh closes once per (re)subscribe attempt, the moment the
	// server confirms or the entry is dropped before confirming —
	// AwaitConfirmation blocks on it.
	confirmedCh     chan struct{}
	confirmedClosed bool

	correlationID wire.CorrelationID
	build         func(correlationID wire.CorrelationID) wire.Package

	unacked map[wire.CorrelationID]ResolvedEvent // persistent only

	dropped    bool // at-most-once guard for onDrop
	dropReason DropReason
	dropErr    error
}

// closeConfirmedLocked releases any AwaitConfirmation waiter. Must be
// called with e.mu held.
func (e *Entry) closeConfirmedLocked() {
	if !e.confirmedClosed {
		e.confirmedClosed = true
		close(e.confirmedCh)
	}
}

// AwaitConfirmation blocks until the server confirms the subscription
// or it is dropped first, returning the position the server reports as
// already applied — the last event number for a single stream, or the
// last commit/prepare position for $all. A catch-up subscriber uses
// this to know how much history still needs reading after the live
// subscription comes up.
func (e *Entry) AwaitConfirmation(ctx context.Context) (lastEventNumber, lastCommitPos, lastPreparePos int64, err error) {
	e.mu.Lock()
	ch := e.confirmedCh
	e.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return 0, 0, 0, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dropped && e.state != Subscribed {
		return 0, 0, 0, e.dropErr
	}
	return e.lastEventNumber, e.lastCommitPos, e.lastPreparePos, nil
}

func (e *Entry) CorrelationID() wire.CorrelationID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.correlationID
}

func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ErrNotPersistent is returned by Ack/Nack against a volatile entry.
var ErrNotPersistent = errors.New("subscription: ack/nack requires a persistent subscription")
