package esdb

import (
	"errors"
	"fmt"

	"github.com/eventcore/esdbclient-go/subscription"
)

// ProtocolError is the closed set of protocol-level fatal errors the
// server can report against an operation.
type ProtocolError int

const (
	ErrWrongExpectedVersion ProtocolError = iota
	ErrStreamDeleted
	ErrInvalidTransaction
	ErrAccessDenied
	ErrNotAuthenticated
	ErrServerError
	ErrCommandNotExpected
	ErrPersistentSubscriptionDeleted
	ErrMaximumSubscribersReached
	ErrBadRequest
)

func (e ProtocolError) String() string {
	switch e {
	case ErrWrongExpectedVersion:
		return "wrong-expected-version"
	case ErrStreamDeleted:
		return "stream-deleted"
	case ErrInvalidTransaction:
		return "invalid-transaction"
	case ErrAccessDenied:
		return "access-denied"
	case ErrNotAuthenticated:
		return "not-authenticated"
	case ErrServerError:
		return "server-error"
	case ErrCommandNotExpected:
		return "command-not-expected"
	case ErrPersistentSubscriptionDeleted:
		return "persistent-subscription-deleted"
	case ErrMaximumSubscribersReached:
		return "maximum-subscribers-reached"
	case ErrBadRequest:
		return "bad-request"
	default:
		return "unknown-protocol-error"
	}
}

// WrongExpectedVersionError reports the stream's actual current
// version. Expected is not filled in by the client and stays zero.
type WrongExpectedVersionError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("esdb: wrong expected version for %q: expected %d, actual %d", e.StreamID, e.Expected, e.Actual)
}

// ServerProtocolError wraps a ProtocolError with the server's free-text
// detail, when one was supplied.
type ServerProtocolError struct {
	Kind   ProtocolError
	Detail string
}

func (e *ServerProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("esdb: %s", e.Kind)
	}
	return fmt.Sprintf("esdb: %s: %s", e.Kind, e.Detail)
}

// Operational errors.
var (
	ErrOperationTimedOut    = errors.New("esdb: operation timed out")
	ErrRetryLimitReached    = errors.New("esdb: operation exhausted its retry limit")
	ErrOperationQueueFull   = errors.New("esdb: operation queue overflow")
	ErrConnectionClosed     = errors.New("esdb: connection closed")
	ErrClientClosed         = errors.New("esdb: client is closed")
	ErrMaxReconnectsReached = errors.New("esdb: exhausted the configured reconnection attempts")
)

// Configuration errors, rejected at build time.
var (
	ErrMissingNodeSettings       = errors.New("esdb: no endpoint or discovery configured")
	ErrConflictingNodeSettings   = errors.New("esdb: static and cluster discovery both configured")
	ErrOutOfRangeParameter       = errors.New("esdb: numeric parameter out of range")
)

// DropReason re-exports subscription.DropReason so esdb callers don't
// need to import the subscription package directly.
type DropReason = subscription.DropReason

const (
	DropUnsubscribed                   = subscription.DropUnsubscribed
	DropAccessDenied                   = subscription.AccessDenied
	DropNotFound                       = subscription.NotFound
	DropPersistentSubscriptionDeleted  = subscription.PersistentSubscriptionDeleted
	DropSubscriberMaxCountReached      = subscription.SubscriberMaxCountReached
	DropConnectionClosed               = subscription.ConnectionClosed
	DropCatchUpError                   = subscription.CatchUpError
	DropProcessingQueueOverflow        = subscription.ProcessingQueueOverflow
	DropEventHandlerException          = subscription.EventHandlerException
	DropServerError                    = subscription.ServerError
	DropUserInitiated                  = subscription.UserInitiated
)
