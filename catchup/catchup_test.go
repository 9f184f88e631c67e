package catchup_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eventcore/esdbclient-go/catchup"
	"github.com/eventcore/esdbclient-go/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inlinePool runs submitted work synchronously, keeping tests
// deterministic without pulling in a real worker pool.
type inlinePool struct{}

func (inlinePool) Submit(f func()) error { f(); return nil }

type fakeReader struct {
	mu     sync.Mutex
	events []catchup.ResolvedEvent
}

func (r *fakeReader) ReadBatch(_ context.Context, from catchup.Checkpoint, batchSize int) ([]catchup.ResolvedEvent, catchup.Checkpoint, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := int(from.EventNumber) + 1
	if start >= len(r.events) {
		return nil, from, true, nil
	}
	end := start + batchSize
	if end > len(r.events) {
		end = len(r.events)
	}
	batch := r.events[start:end]
	next := from
	next.EventNumber = batch[len(batch)-1].EventNumber
	return batch, next, end >= len(r.events), nil
}

type fakeSubscriber struct {
	confirmedAt catchup.Checkpoint
	onEvent     subscription.EventCallback
	onDrop      subscription.DropCallback
	unsubCount  int
}

func (s *fakeSubscriber) Subscribe(onEvent subscription.EventCallback, onDrop subscription.DropCallback) (*subscription.Entry, catchup.Checkpoint, error) {
	s.onEvent = onEvent
	s.onDrop = onDrop
	return &subscription.Entry{}, s.confirmedAt, nil
}

func (s *fakeSubscriber) Unsubscribe(*subscription.Entry) { s.unsubCount++ }

func mkEvents(n int) []catchup.ResolvedEvent {
	out := make([]catchup.ResolvedEvent, n)
	for i := range out {
		out[i] = catchup.ResolvedEvent{StreamID: "s", EventNumber: int64(i), Payload: []byte{byte(i)}}
	}
	return out
}

func TestHistoricalEventsDeliveredInOrder(t *testing.T) {
	reader := &fakeReader{events: mkEvents(5)}
	sub := &fakeSubscriber{confirmedAt: catchup.Checkpoint{EventNumber: 4}}

	var mu sync.Mutex
	var delivered []int64
	liveStarted := make(chan struct{}, 1)

	s, err := catchup.New("s", reader, sub, inlinePool{}, nil, 2, 10, catchup.Listener{
		OnEvent: func(e catchup.ResolvedEvent) error {
			mu.Lock()
			delivered = append(delivered, e.EventNumber)
			mu.Unlock()
			return nil
		},
		OnLiveProcessingStarted: func() { liveStarted <- struct{}{} },
	})
	require.NoError(t, err)

	s.Start()

	select {
	case <-liveStarted:
	case <-time.After(time.Second):
		t.Fatal("live processing never started")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 5)
	for i, n := range delivered {
		assert.Equal(t, int64(i), n)
	}
}

func TestLiveEventDeliveredAfterCatchUp(t *testing.T) {
	reader := &fakeReader{events: mkEvents(2)}
	sub := &fakeSubscriber{confirmedAt: catchup.Checkpoint{EventNumber: 1}}

	var mu sync.Mutex
	var delivered []int64
	liveStarted := make(chan struct{}, 1)

	s, err := catchup.New("s", reader, sub, inlinePool{}, nil, 10, 10, catchup.Listener{
		OnEvent: func(e catchup.ResolvedEvent) error {
			mu.Lock()
			delivered = append(delivered, e.EventNumber)
			mu.Unlock()
			return nil
		},
		OnLiveProcessingStarted: func() { liveStarted <- struct{}{} },
	})
	require.NoError(t, err)
	s.Start()

	select {
	case <-liveStarted:
	case <-time.After(time.Second):
		t.Fatal("live processing never started")
	}

	require.NotNil(t, sub.onEvent)
	require.NoError(t, sub.onEvent(subscription.ResolvedEvent{StreamID: "s", EventNumber: 2, Payload: []byte{2}}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 3)
	assert.Equal(t, []int64{0, 1, 2}, delivered)
}

func TestEventHandlerErrorDropsWithEventHandlerException(t *testing.T) {
	reader := &fakeReader{events: mkEvents(1)}
	sub := &fakeSubscriber{}
	boom := errors.New("handler blew up")

	dropCh := make(chan subscription.DropReason, 1)
	s, err := catchup.New("s", reader, sub, inlinePool{}, nil, 10, 10, catchup.Listener{
		OnEvent: func(catchup.ResolvedEvent) error { return boom },
		OnDrop:  func(reason subscription.DropReason, _ error) { dropCh <- reason },
	})
	require.NoError(t, err)
	s.Start()

	select {
	case reason := <-dropCh:
		assert.Equal(t, subscription.EventHandlerException, reason)
	case <-time.After(time.Second):
		t.Fatal("expected a drop")
	}
}

func TestStopDropsUserInitiated(t *testing.T) {
	reader := &fakeReader{events: nil}
	sub := &fakeSubscriber{}

	dropCh := make(chan subscription.DropReason, 1)
	s, err := catchup.New("s", reader, sub, inlinePool{}, nil, 10, 10, catchup.Listener{
		OnEvent: func(catchup.ResolvedEvent) error { return nil },
		OnDrop:  func(reason subscription.DropReason, _ error) { dropCh <- reason },
	})
	require.NoError(t, err)

	s.Start()
	s.Stop()
	select {
	case reason := <-dropCh:
		assert.Equal(t, subscription.UserInitiated, reason)
	case <-time.After(time.Second):
		t.Fatal("expected a user-initiated drop")
	}
}

func TestInvalidConstructionArguments(t *testing.T) {
	reader := &fakeReader{}
	sub := &fakeSubscriber{}
	_, err := catchup.New("s", reader, sub, inlinePool{}, nil, 0, 10, catchup.Listener{})
	assert.ErrorIs(t, err, catchup.ErrInvalidReadBatchSize)

	_, err = catchup.New("s", reader, sub, inlinePool{}, nil, 10, 0, catchup.Listener{})
	assert.ErrorIs(t, err, catchup.ErrInvalidQueueSize)
}
