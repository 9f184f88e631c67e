// Package operation implements the outstanding-request registry: an
// operation manager that enrolls client calls, dispatches them once
// the connection is authenticated, correlates responses, and applies
// retry/timeout/reconnect-survival rules.
package operation

import (
	"time"

	"github.com/eventcore/esdbclient-go/wire"
)

// State is where an Operation sits in its lifecycle. Once Completed or
// Faulted, state is terminal.
type State int

const (
	Pending State = iota
	InProgress
	Retrying
	Completed
	Faulted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in-progress"
	case Retrying:
		return "retrying"
	case Completed:
		return "completed"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// OutcomeKind classifies what the operation's response-inspection
// function decided about a received package.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeContinue
	OutcomeRetry
	OutcomeReconnect
	OutcomeFail
)

// Outcome is the result of inspecting one response package against an
// in-flight operation.
type Outcome struct {
	Kind        OutcomeKind
	Value       any
	Err         error
	NewEndpoint string
}

func Success(value any) Outcome   { return Outcome{Kind: OutcomeSuccess, Value: value} }
func Continue() Outcome           { return Outcome{Kind: OutcomeContinue} }
func Retry(reason error) Outcome  { return Outcome{Kind: OutcomeRetry, Err: reason} }
func Fail(err error) Outcome      { return Outcome{Kind: OutcomeFail, Err: err} }
func Reconnect(endpoint string) Outcome {
	return Outcome{Kind: OutcomeReconnect, NewEndpoint: endpoint}
}

// Completion is the type-erased completion sink an Operation owns
// exclusively. Build one with NewCompletion, backed by a
// *future.Future[T].
type Completion interface {
	complete(value any, err error)
}

type completionFunc func(value any, err error)

func (f completionFunc) complete(value any, err error) { f(value, err) }

// NewCompletion adapts any sink shaped like a future.Future[T]'s
// Succeed/Fail pair into a Completion usable by the untyped Operation
// registry.
func NewCompletion[T any](succeed func(T), fail func(error)) Completion {
	return completionFunc(func(value any, err error) {
		if err != nil {
			fail(err)
			return
		}
		var v T
		if value != nil {
			v = value.(T)
		}
		succeed(v)
	})
}

// Inspector examines a response package correlated to an in-flight
// operation and decides its fate.
type Inspector func(wire.Package) Outcome

// Builder serializes the operation's request payload given the
// correlation id assigned for this attempt. A fresh id is requested on
// every dispatch attempt, including retries.
type Builder func(correlationID wire.CorrelationID) wire.Package

// Operation is one in-flight request.
type Operation struct {
	CreatedAt     time.Time
	LastAttemptAt time.Time
	RetryCount    int
	MaxRetries    int // -1 means unlimited
	Timeout       time.Duration
	Credentials   *wire.Credentials

	build      Builder
	inspect    Inspector
	completion Completion

	// correlationID is the id of the most recent dispatch attempt; it
	// is reassigned by the manager on every (re)dispatch.
	correlationID wire.CorrelationID
	state         State
}

// New builds a Pending operation. maxRetries of -1 means unlimited.
func New(build Builder, inspect Inspector, timeout time.Duration, maxRetries int, creds *wire.Credentials, completion Completion) *Operation {
	return &Operation{
		CreatedAt:   time.Now(),
		MaxRetries:  maxRetries,
		Timeout:     timeout,
		Credentials: creds,
		build:       build,
		inspect:     inspect,
		completion:  completion,
		state:       Pending,
	}
}

func (o *Operation) State() State                     { return o.state }
func (o *Operation) CorrelationID() wire.CorrelationID { return o.correlationID }
func (o *Operation) terminal() bool                    { return o.state == Completed || o.state == Faulted }
