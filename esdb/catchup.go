package esdb

import (
	"context"

	"github.com/eventcore/esdbclient-go/catchup"
	"github.com/eventcore/esdbclient-go/subscription"
	"github.com/eventcore/esdbclient-go/wire"
)

const catchupReadBatchSize = 500

// streamReader adapts ReadStream to catchup.HistoricalReader for a
// single stream target.
type streamReader struct {
	client   *Client
	streamID string
	creds    *wire.Credentials
}

func (r *streamReader) ReadBatch(ctx context.Context, from catchup.Checkpoint, batchSize int) ([]catchup.ResolvedEvent, catchup.Checkpoint, bool, error) {
	slice, err := r.client.ReadStream(r.streamID, from.EventNumber+1, batchSize, Forward, true, r.creds).AwaitContext(ctx)
	if err != nil {
		return nil, from, false, err
	}
	events := make([]catchup.ResolvedEvent, len(slice.Events))
	for i, e := range slice.Events {
		events[i] = subscription.ResolvedEvent{
			StreamID: e.StreamID, EventNumber: e.EventNumber,
			CommitPos: e.Position.Commit, PreparePos: e.Position.Prepare, Payload: e.Data,
		}
	}
	next := catchup.Checkpoint{EventNumber: slice.NextEventNumber - 1, Position: from.Position}
	if len(events) > 0 {
		next.EventNumber = events[len(events)-1].EventNumber
	}
	return events, next, slice.IsEndOfStream, nil
}

// allReader adapts ReadAll to catchup.HistoricalReader for $all.
type allReader struct {
	client *Client
	creds  *wire.Credentials
}

func (r *allReader) ReadBatch(ctx context.Context, from catchup.Checkpoint, batchSize int) ([]catchup.ResolvedEvent, catchup.Checkpoint, bool, error) {
	slice, err := r.client.ReadAll(from.Position, batchSize, Forward, true, r.creds).AwaitContext(ctx)
	if err != nil {
		return nil, from, false, err
	}
	events := make([]catchup.ResolvedEvent, len(slice.Events))
	for i, e := range slice.Events {
		events[i] = subscription.ResolvedEvent{
			StreamID: e.StreamID, EventNumber: e.EventNumber,
			CommitPos: e.Position.Commit, PreparePos: e.Position.Prepare, Payload: e.Data,
		}
	}
	next := catchup.Checkpoint{EventNumber: from.EventNumber, Position: slice.NextPos}
	return events, next, slice.IsEndOfAll, nil
}

// volatileSubscriber adapts the driver's subscription manager to
// catchup.Subscriber for either a single stream or $all.
type volatileSubscriber struct {
	client         *Client
	streamID       string
	resolveLinkTos bool
}

func (s *volatileSubscriber) Subscribe(onEvent subscription.EventCallback, onDrop subscription.DropCallback) (*subscription.Entry, catchup.Checkpoint, error) {
	var entry *subscription.Entry
	if s.streamID == "" {
		entry = s.client.SubscribeToAll(s.resolveLinkTos, onEvent, onDrop)
	} else {
		entry = s.client.SubscribeToStream(s.streamID, s.resolveLinkTos, onEvent, onDrop)
	}

	// The server confirms asynchronously; block until it does (or the
	// entry is dropped first) so the returned checkpoint is the real
	// position the server has already applied, not a placeholder — the
	// caller resumes historical reads up to exactly this point.
	ctx, cancel := context.WithTimeout(context.Background(), s.client.settings.OperationTimeout)
	defer cancel()
	lastEventNumber, lastCommitPos, lastPreparePos, err := entry.AwaitConfirmation(ctx)
	if err != nil {
		return entry, catchup.Checkpoint{}, err
	}
	return entry, catchup.Checkpoint{EventNumber: lastEventNumber, Position: wire.Position{Commit: lastCommitPos, Prepare: lastPreparePos}}, nil
}

func (s *volatileSubscriber) Unsubscribe(entry *subscription.Entry) {
	s.client.driver.subMgr.Unsubscribe(entry)
}

// SubscribeToStreamFrom starts a catch-up subscription over streamID:
// historical events after fromEventNumber are delivered first (-1
// delivers the stream from its first event), then the subscription
// transparently switches to live push.
func (c *Client) SubscribeToStreamFrom(streamID string, fromEventNumber int64, resolveLinkTos bool, listener catchup.Listener, creds *wire.Credentials) (*catchup.Subscription, error) {
	if fromEventNumber >= 0 && listener.OnEvent != nil {
		onEvent := listener.OnEvent
		listener.OnEvent = func(e catchup.ResolvedEvent) error {
			if e.EventNumber <= fromEventNumber {
				return nil
			}
			return onEvent(e)
		}
	}
	sub, err := catchup.New(
		streamID,
		&streamReader{client: c, streamID: streamID, creds: creds},
		&volatileSubscriber{client: c, streamID: streamID, resolveLinkTos: resolveLinkTos},
		c.newCatchUpPool(),
		c.driver.hooks,
		catchupReadBatchSize,
		c.settings.PersistentSubscriptionBufferSize*catchupReadBatchSize,
		listener,
	)
	if err != nil {
		return nil, err
	}
	sub.Start()
	return sub, nil
}

// SubscribeToAllFrom starts a catch-up subscription over $all.
func (c *Client) SubscribeToAllFrom(resolveLinkTos bool, listener catchup.Listener, creds *wire.Credentials) (*catchup.Subscription, error) {
	sub, err := catchup.New(
		"",
		&allReader{client: c, creds: creds},
		&volatileSubscriber{client: c, resolveLinkTos: resolveLinkTos},
		c.newCatchUpPool(),
		c.driver.hooks,
		catchupReadBatchSize,
		c.settings.PersistentSubscriptionBufferSize*catchupReadBatchSize,
		listener,
	)
	if err != nil {
		return nil, err
	}
	sub.Start()
	return sub, nil
}
