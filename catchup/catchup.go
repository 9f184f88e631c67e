// Package catchup implements the catch-up subscription: a state
// machine layered above the operation and subscription managers that
// transparently switches from a historical read to live server push,
// with exactly-once-per-event delivery and no gaps or duplicates
// across the switch or across reconnects.
package catchup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eventcore/esdbclient-go/subscription"
	"github.com/eventcore/esdbclient-go/wire"
)

// MaxReadBatchSize is the server-imposed ceiling a caller must stay
// under; larger reads must page instead.
const MaxReadBatchSize = 4096

// Checkpoint marks a position in either a single stream (EventNumber)
// or $all (Position) — whichever the subscription targets.
type Checkpoint struct {
	EventNumber int64
	Position    wire.Position
}

// ResolvedEvent re-exports the subscription package's event shape so
// callers of catchup don't need to import subscription directly.
type ResolvedEvent = subscription.ResolvedEvent

// HistoricalReader pages through a stream or $all from a checkpoint.
// It is called repeatedly until isEndOfStream is true; each call reads
// at most readBatchSize events starting just after from.
type HistoricalReader interface {
	ReadBatch(ctx context.Context, from Checkpoint, batchSize int) (events []ResolvedEvent, next Checkpoint, isEndOfStream bool, err error)
}

// Subscriber establishes the live volatile subscription that the
// catch-up subscription switches to once history has been drained.
// Subscribe blocks until the server confirms (or the attempt fails),
// mirroring `eventstore.subscribeToStream(...).get()` in the original.
type Subscriber interface {
	Subscribe(onEvent subscription.EventCallback, onDrop subscription.DropCallback) (entry *subscription.Entry, confirmedAt Checkpoint, err error)
	Unsubscribe(entry *subscription.Entry)
}

// Pool runs the historical-read loop and live-queue drains off the
// caller's goroutine (satisfied by *ants.Pool).
type Pool interface {
	Submit(func()) error
}

// ReconnectHooks lets the catch-up subscription learn when the
// underlying connection comes back up, so it can restart from `from`.
type ReconnectHooks interface {
	OnReconnected(func()) (unregister func())
}

// Listener is the set of callbacks a caller observes.
type Listener struct {
	// OnEvent is tryProcess: invoked once per event, historical or
	// live, in order. A returned error drops the subscription with
	// EventHandlerException.
	OnEvent func(ResolvedEvent) error
	// OnDrop fires at most once, after the last successful OnEvent.
	OnDrop func(reason subscription.DropReason, err error)
	// OnLiveProcessingStarted fires once history has been fully
	// drained and live events are about to start flowing.
	OnLiveProcessingStarted func()
}

var (
	ErrInvalidReadBatchSize = errors.New("catchup: readBatchSize must be positive and below MaxReadBatchSize")
	ErrInvalidQueueSize     = errors.New("catchup: maxPushQueueSize must be positive")
	ErrStopTimeout          = errors.New("catchup: subscription did not stop within the given timeout")
)

type queueItem struct {
	event  ResolvedEvent
	isDrop bool
}

type dropRecord struct {
	reason subscription.DropReason
	err    error
}

// Subscription is one catch-up subscription instance. Build with New;
// call Start to begin the historical-read/subscribe/live-drain
// sequence.
type Subscription struct {
	streamID         string
	isAll            bool
	reader           HistoricalReader
	subscriber       Subscriber
	pool             Pool
	hooks            ReconnectHooks
	readBatchSize    int
	maxPushQueueSize int
	listener         Listener

	mu   sync.Mutex
	from Checkpoint

	queueMu sync.Mutex
	queue   []queueItem

	allowProcessing bool
	isProcessing    bool
	shouldStop      bool
	isDropped       bool
	drop            *dropRecord

	underlying     *subscription.Entry
	unregisterHook func()

	doneMu sync.Mutex
	done   chan struct{}
}

// New builds a catch-up subscription targeting streamID, or $all when
// streamID is empty.
func New(streamID string, reader HistoricalReader, subscriber Subscriber, pool Pool, hooks ReconnectHooks, readBatchSize, maxPushQueueSize int, listener Listener) (*Subscription, error) {
	if readBatchSize <= 0 || readBatchSize >= MaxReadBatchSize {
		return nil, ErrInvalidReadBatchSize
	}
	if maxPushQueueSize <= 0 {
		return nil, ErrInvalidQueueSize
	}
	return &Subscription{
		streamID:         streamID,
		isAll:            streamID == "",
		reader:           reader,
		subscriber:       subscriber,
		pool:             pool,
		hooks:            hooks,
		readBatchSize:    readBatchSize,
		maxPushQueueSize: maxPushQueueSize,
		listener:         listener,
		from:             Checkpoint{EventNumber: -1, Position: wire.PositionStart},
		done:             closedChan(),
	}, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// StreamID returns the target stream name, or "" for $all.
func (s *Subscription) StreamID() string { return s.streamID }

// IsSubscribedToAll reports whether this instance targets $all.
func (s *Subscription) IsSubscribedToAll() bool { return s.isAll }

// Start begins the read/subscribe/drain sequence on the pool.
func (s *Subscription) Start() {
	s.runSubscription()
}

// Stop requests a stop; the subscription's OnDrop fires asynchronously
// with UserInitiated once any in-flight processing finishes.
func (s *Subscription) Stop() {
	s.mu.Lock()
	s.shouldStop = true
	if s.unregisterHook != nil {
		s.unregisterHook()
		s.unregisterHook = nil
	}
	s.mu.Unlock()

	s.enqueueDropNotification(subscription.UserInitiated, nil)
}

// StopWait requests a stop and blocks until it completes or timeout
// elapses.
func (s *Subscription) StopWait(timeout time.Duration) error {
	s.Stop()
	select {
	case <-s.waitDone():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %s", ErrStopTimeout, timeout)
	}
}

func (s *Subscription) waitDone() chan struct{} {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return s.done
}

func (s *Subscription) runSubscription() {
	s.doneMu.Lock()
	s.done = make(chan struct{})
	s.doneMu.Unlock()

	run := func() {
		s.mu.Lock()
		shouldStop := s.shouldStop
		s.mu.Unlock()

		if !shouldStop {
			if err := s.readHistoryTill(context.Background(), Checkpoint{}, true); err != nil {
				s.dropSubscription(subscription.CatchUpError, err)
				return
			}
		}

		s.mu.Lock()
		shouldStop = s.shouldStop
		s.mu.Unlock()

		if !shouldStop {
			entry, confirmedAt, err := s.subscriber.Subscribe(s.onLiveEvent, s.onLiveDrop)
			if err != nil {
				s.dropSubscription(subscription.CatchUpError, err)
				return
			}
			s.mu.Lock()
			s.underlying = entry
			s.mu.Unlock()

			if err := s.readHistoryTill(context.Background(), confirmedAt, false); err != nil {
				s.dropSubscription(subscription.CatchUpError, err)
				return
			}
		}

		s.mu.Lock()
		shouldStop = s.shouldStop
		s.mu.Unlock()

		if shouldStop {
			s.dropSubscription(subscription.UserInitiated, nil)
			return
		}

		if s.listener.OnLiveProcessingStarted != nil {
			s.listener.OnLiveProcessingStarted()
		}

		if s.hooks != nil {
			hook := s.hooks.OnReconnected(s.onReconnect)
			s.mu.Lock()
			s.unregisterHook = hook
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.allowProcessing = true
		s.mu.Unlock()
		s.ensureProcessingPushQueue()
	}

	if s.pool != nil {
		if err := s.pool.Submit(run); err != nil {
			run()
		}
	} else {
		run()
	}
}

// readHistoryTill pages from s.from until the reader reports
// end-of-stream. When initial is true the read continues until truly
// caught up; when false it also stops the moment it reaches target, the
// server-reported position observed at subscribe-confirmation time —
// the second pass in the original (`readEventsTill(..., subscription.lastCommitPosition, subscription.lastEventNumber)`)
// exists precisely to pick up events written between the first read
// and the subscribe confirmation.
func (s *Subscription) readHistoryTill(ctx context.Context, target Checkpoint, initial bool) error {
	for {
		s.mu.Lock()
		from := s.from
		stop := s.shouldStop
		s.mu.Unlock()
		if stop {
			return nil
		}

		events, next, eof, err := s.reader.ReadBatch(ctx, from, s.readBatchSize)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := s.tryProcess(e); err != nil {
				s.dropSubscription(subscription.EventHandlerException, err)
				return err
			}
		}
		s.mu.Lock()
		s.from = next
		s.mu.Unlock()
		if eof {
			return nil
		}
		if !initial && reachedTarget(next, target, s.isAll) {
			return nil
		}
	}
}

func reachedTarget(cur, target Checkpoint, isAll bool) bool {
	if isAll {
		return target.Position.LessOrEqual(cur.Position)
	}
	return cur.EventNumber >= target.EventNumber
}

// checkpointOf extracts the checkpoint an event occupies, for
// comparison against s.from.
func checkpointOf(e subscription.ResolvedEvent) Checkpoint {
	return Checkpoint{EventNumber: e.EventNumber, Position: wire.Position{Commit: e.CommitPos, Prepare: e.PreparePos}}
}

// isPast reports whether e lies strictly after from, in whichever
// ordering this subscription tracks (event number for a single
// stream, commit/prepare position for $all).
func isPast(e subscription.ResolvedEvent, from Checkpoint, isAll bool) bool {
	if isAll {
		return from.Position.Less(wire.Position{Commit: e.CommitPos, Prepare: e.PreparePos})
	}
	return e.EventNumber > from.EventNumber
}

// tryProcess is the single delivery gate both the historical read and
// the live queue drain go through: an event that is not strictly past
// s.from has already been delivered by the other path during the
// history/live overlap, or is being re-read after a reconnect, and is
// discarded here rather than handed to the listener a second time.
func (s *Subscription) tryProcess(e subscription.ResolvedEvent) error {
	s.mu.Lock()
	from := s.from
	s.mu.Unlock()
	if !isPast(e, from, s.isAll) {
		return nil
	}
	if err := s.listener.OnEvent(e); err != nil {
		return err
	}
	s.mu.Lock()
	s.from = checkpointOf(e)
	s.mu.Unlock()
	return nil
}

func (s *Subscription) onLiveEvent(e subscription.ResolvedEvent) error {
	s.queueMu.Lock()
	if len(s.queue) >= s.maxPushQueueSize {
		s.queueMu.Unlock()
		s.enqueueDropNotification(subscription.ProcessingQueueOverflow, nil)
		s.mu.Lock()
		u := s.underlying
		s.mu.Unlock()
		if u != nil {
			s.subscriber.Unsubscribe(u)
		}
		return nil
	}
	s.queue = append(s.queue, queueItem{event: e})
	allow := s.allowProcessing
	s.queueMu.Unlock()

	if allow {
		s.ensureProcessingPushQueue()
	}
	return nil
}

func (s *Subscription) onLiveDrop(reason subscription.DropReason, err error) {
	s.enqueueDropNotification(reason, err)
}

func (s *Subscription) enqueueDropNotification(reason subscription.DropReason, err error) {
	s.mu.Lock()
	alreadySet := s.drop != nil
	if !alreadySet {
		s.drop = &dropRecord{reason: reason, err: err}
	}
	allow := s.allowProcessing
	s.mu.Unlock()

	if alreadySet {
		return
	}

	s.queueMu.Lock()
	s.queue = append(s.queue, queueItem{isDrop: true})
	s.queueMu.Unlock()

	if allow {
		s.ensureProcessingPushQueue()
	}
}

// ensureProcessingPushQueue is the single-writer rendezvous: only one
// goroutine drains the live queue at a time, and the drainer
// re-checks for newly arrived work after clearing its own flag before
// giving up, so a producer that loses the CAS race never leaves work
// stranded unprocessed.
func (s *Subscription) ensureProcessingPushQueue() {
	s.mu.Lock()
	if s.isProcessing {
		s.mu.Unlock()
		return
	}
	s.isProcessing = true
	s.mu.Unlock()

	run := s.processLiveQueue
	if s.pool != nil {
		if err := s.pool.Submit(run); err != nil {
			run()
		}
	} else {
		run()
	}
}

func (s *Subscription) processLiveQueue() {
	for {
		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			item := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			if item.isDrop {
				s.mu.Lock()
				rec := s.drop
				s.mu.Unlock()
				if rec == nil {
					rec = &dropRecord{reason: subscription.ServerError}
				}
				s.dropSubscription(rec.reason, rec.err)
				s.mu.Lock()
				s.isProcessing = false
				s.mu.Unlock()
				return
			}

			if err := s.tryProcess(item.event); err != nil {
				s.dropSubscription(subscription.EventHandlerException, err)
				return
			}
		}

		s.mu.Lock()
		s.isProcessing = false
		s.mu.Unlock()

		s.queueMu.Lock()
		empty := len(s.queue) == 0
		s.queueMu.Unlock()
		if empty {
			return
		}

		s.mu.Lock()
		if s.isProcessing {
			s.mu.Unlock()
			return
		}
		s.isProcessing = true
		s.mu.Unlock()
	}
}

func (s *Subscription) dropSubscription(reason subscription.DropReason, err error) {
	s.mu.Lock()
	if s.isDropped {
		s.mu.Unlock()
		return
	}
	s.isDropped = true
	underlying := s.underlying
	unregister := s.unregisterHook
	s.unregisterHook = nil
	s.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if underlying != nil {
		s.subscriber.Unsubscribe(underlying)
	}

	if s.listener.OnDrop != nil {
		s.listener.OnDrop(reason, err)
	}

	s.doneMu.Lock()
	close(s.done)
	s.doneMu.Unlock()
}

func (s *Subscription) onReconnect() {
	s.mu.Lock()
	s.unregisterHook = nil
	s.mu.Unlock()
	s.runSubscription()
}
