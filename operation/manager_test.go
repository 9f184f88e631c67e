package operation_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eventcore/esdbclient-go/operation"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Package
	fail error
}

func (s *fakeSender) Send(p wire.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *fakeSender) popLast() (wire.Package, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return wire.Package{}, false
	}
	p := s.sent[len(s.sent)-1]
	s.sent = s.sent[:len(s.sent)-1]
	return p, true
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func echoInspect(outcome operation.Outcome) operation.Inspector {
	return func(wire.Package) operation.Outcome { return outcome }
}

func newSimpleOp(sender *fakeSender, inspect operation.Inspector) (*operation.Operation, chan error, chan any) {
	successCh := make(chan any, 1)
	errCh := make(chan error, 1)
	completion := operation.NewCompletion[any](
		func(v any) { successCh <- v },
		func(err error) { errCh <- err },
	)
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdAppendToStream, CorrelationID: id}
	}
	return operation.New(build, inspect, time.Second, 2, nil, completion), errCh, successCh
}

func TestEnqueueDispatchesImmediatelyUnderCapacity(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 10, 2, false, nil, nil, nil)
	op, _, successCh := newSimpleOp(sender, echoInspect(operation.Success("ok")))

	require.NoError(t, mgr.Enqueue(op))
	assert.Equal(t, 1, sender.count())

	pkg, ok := sender.popLast()
	require.True(t, ok)
	mgr.HandleResponse(wire.Package{Command: wire.CmdAppendComplete, CorrelationID: pkg.CorrelationID})

	select {
	case v := <-successCh:
		assert.Equal(t, "ok", v)
	case <-time.After(time.Second):
		t.Fatal("completion never ran")
	}
}

func TestQueueFullReturnsError(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 1, 1, false, nil, nil, nil)
	op1, _, _ := newSimpleOp(sender, echoInspect(operation.Continue()))
	op2, _, _ := newSimpleOp(sender, echoInspect(operation.Continue()))

	require.NoError(t, mgr.Enqueue(op1))
	err := mgr.Enqueue(op2)
	assert.ErrorIs(t, err, operation.ErrQueueFull)
}

func TestConcurrencyLimitDefersDispatch(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 10, 1, false, nil, nil, nil)
	op1, _, _ := newSimpleOp(sender, echoInspect(operation.Success("first")))
	op2, _, successCh2 := newSimpleOp(sender, echoInspect(operation.Success("second")))

	require.NoError(t, mgr.Enqueue(op1))
	require.NoError(t, mgr.Enqueue(op2))
	assert.Equal(t, 1, sender.count(), "second operation should wait for a concurrency slot")

	pkg1, ok := sender.popLast()
	require.True(t, ok)
	mgr.HandleResponse(wire.Package{Command: wire.CmdAppendComplete, CorrelationID: pkg1.CorrelationID})
	assert.Equal(t, 1, sender.count(), "freeing a slot should dispatch the waiting op")

	pkg2, ok := sender.popLast()
	require.True(t, ok)
	mgr.HandleResponse(wire.Package{CorrelationID: pkg2.CorrelationID})

	select {
	case v := <-successCh2:
		assert.Equal(t, "second", v)
	case <-time.After(time.Second):
		t.Fatal("second completion never ran")
	}
}

func TestRetryThenFailAfterMaxRetries(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 10, 1, false, nil, nil, nil)
	boom := errors.New("not-handled")
	op, errCh, _ := newSimpleOp(sender, echoInspect(operation.Retry(boom)))
	op.MaxRetries = 1

	require.NoError(t, mgr.Enqueue(op))

	for i := 0; i < 2; i++ {
		pkg, ok := sender.popLast()
		require.True(t, ok)
		mgr.HandleResponse(wire.Package{CorrelationID: pkg.CorrelationID})
	}

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("expected operation to fail after exhausting retries")
	}
	assert.Equal(t, operation.Faulted, op.State())
}

func TestReconnectRequeuesWithoutRetryIncrement(t *testing.T) {
	sender := &fakeSender{}
	var requested string
	mgr := operation.NewManager(sender, nil, 10, 1, false, nil, nil, func(endpoint string) { requested = endpoint })
	op, _, _ := newSimpleOp(sender, echoInspect(operation.Reconnect("node-2:1113")))

	require.NoError(t, mgr.Enqueue(op))
	pkg, ok := sender.popLast()
	require.True(t, ok)
	mgr.HandleResponse(wire.Package{CorrelationID: pkg.CorrelationID})

	assert.Equal(t, "node-2:1113", requested)
	assert.Equal(t, 0, op.RetryCount)
	assert.Equal(t, operation.InProgress, op.State())

	// The requeued op redispatches on its own, ahead of anything enqueued later.
	assert.Equal(t, 1, sender.count())
}

func TestOnReconnectingMovesActiveBackToWaitingWithoutFailing(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 10, 5, false, nil, nil, nil)
	op, errCh, successCh := newSimpleOp(sender, echoInspect(operation.Success("ok")))

	require.NoError(t, mgr.Enqueue(op))
	require.Equal(t, 1, sender.count())

	mgr.OnReconnecting()
	assert.Equal(t, operation.Pending, op.State())

	mgr.SetSender(sender)
	pkg, ok := sender.popLast()
	require.True(t, ok)
	mgr.HandleResponse(wire.Package{CorrelationID: pkg.CorrelationID})

	select {
	case v := <-successCh:
		assert.Equal(t, "ok", v)
	case err := <-errCh:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(time.Second):
		t.Fatal("completion never ran after reconnect")
	}
}

func TestCloseFailsEverything(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 10, 5, false, nil, nil, nil)
	op, errCh, _ := newSimpleOp(sender, echoInspect(operation.Continue()))
	require.NoError(t, mgr.Enqueue(op))

	closeErr := errors.New("connection closed")
	mgr.Close(closeErr)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, closeErr)
	case <-time.After(time.Second):
		t.Fatal("expected close to fail the outstanding operation")
	}

	assert.ErrorIs(t, mgr.Enqueue(op), operation.ErrManagerClosed)
}

func TestCheckTimeoutsRetries(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 10, 5, false, nil, nil, nil)
	op, _, _ := newSimpleOp(sender, echoInspect(operation.Continue()))
	op.Timeout = time.Millisecond
	require.NoError(t, mgr.Enqueue(op))

	time.Sleep(5 * time.Millisecond)
	mgr.CheckTimeouts(time.Now())

	assert.Equal(t, 1, op.RetryCount)
	assert.Equal(t, 2, sender.count(), "original dispatch plus the retried redispatch")
}

func TestCheckTimeoutsFailsImmediatelyWhenFailOnNoServerResponseSet(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 10, 5, true, nil, nil, nil)
	op, errCh, _ := newSimpleOp(sender, echoInspect(operation.Continue()))
	op.Timeout = time.Millisecond
	require.NoError(t, mgr.Enqueue(op))

	time.Sleep(5 * time.Millisecond)
	mgr.CheckTimeouts(time.Now())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, operation.ErrOperationTimeout)
	case <-time.After(time.Second):
		t.Fatal("expected timeout to fail the operation immediately")
	}
	assert.Equal(t, operation.Faulted, op.State())
	assert.Equal(t, 0, op.RetryCount, "failOnNoServerResponse must not retry before failing")
	assert.Equal(t, 1, sender.count(), "no redispatch should follow an immediate failure")
}

func TestEnqueueDuringReconnectWindowWaitsInsteadOfPanicking(t *testing.T) {
	sender := &fakeSender{}
	mgr := operation.NewManager(sender, nil, 10, 5, false, nil, nil, nil)
	op, _, _ := newSimpleOp(sender, echoInspect(operation.Continue()))
	require.NoError(t, mgr.Enqueue(op))
	mgr.OnReconnecting()

	late, _, successCh := newSimpleOp(sender, echoInspect(operation.Success("ok")))
	require.NotPanics(t, func() {
		require.NoError(t, mgr.Enqueue(late))
	})
	assert.Equal(t, operation.Pending, late.State(), "must wait for SetSender rather than dispatch to a nil sender")

	mgr.SetSender(sender)
	pkg, ok := sender.popLast()
	require.True(t, ok)
	mgr.HandleResponse(wire.Package{CorrelationID: pkg.CorrelationID})

	select {
	case v := <-successCh:
		assert.Equal(t, "ok", v)
	case <-time.After(time.Second):
		t.Fatal("completion never ran once sender was restored")
	}
}
