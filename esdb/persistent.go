package esdb

import (
	"encoding/json"

	"github.com/eventcore/esdbclient-go/future"
	"github.com/eventcore/esdbclient-go/operation"
	"github.com/eventcore/esdbclient-go/subscription"
	"github.com/eventcore/esdbclient-go/wire"
)

// PersistentSubscriptionSettings configures a persistent subscription
// group at creation or update time.
type PersistentSubscriptionSettings struct {
	ResolveLinkTos    bool
	StartFrom         int64
	ExtraStatistics   bool
	MessageTimeoutMs  int64
	MaxRetryCount     int
	BufferSize        int
	CheckpointAfterMs int64
	MaxCheckpointCount int
	MinCheckpointCount int
}

// DefaultPersistentSubscriptionSettings mirrors the server's own
// defaults for a freshly created group.
func DefaultPersistentSubscriptionSettings() PersistentSubscriptionSettings {
	return PersistentSubscriptionSettings{
		ResolveLinkTos:     true,
		StartFrom:          -1,
		MessageTimeoutMs:   30000,
		MaxRetryCount:      10,
		BufferSize:         500,
		CheckpointAfterMs:  2000,
		MaxCheckpointCount: 500,
		MinCheckpointCount: 10,
	}
}

type persistentSubRequest struct {
	StreamID string                         `json:"streamId"`
	Group    string                         `json:"group"`
	Settings PersistentSubscriptionSettings `json:"settings"`
}

type persistentSubResponse struct {
	Success bool         `json:"success"`
	Error   errorPayload `json:"error,omitempty"`
}

func (c *Client) persistentSubCrud(cmd wire.CommandTag, streamID, groupName string, settings PersistentSubscriptionSettings, creds *wire.Credentials) *future.Future[struct{}] {
	f := future.New[struct{}]()
	req := persistentSubRequest{StreamID: streamID, Group: groupName, Settings: settings}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: cmd, CorrelationID: id, Auth: c.resolveCreds(creds), Flags: flagsFor(c.resolveCreds(creds)), Payload: mustJSON(req)}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp persistentSubResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(streamID))
		}
		return operation.Success(struct{}{})
	}
	op := operation.New(build, inspect, c.settings.OperationTimeout, c.settings.MaxOperationRetries, creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := c.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}

// CreatePersistentSubscription creates a named subscription group on
// streamID with the given settings.
func (c *Client) CreatePersistentSubscription(streamID, groupName string, settings PersistentSubscriptionSettings, creds *wire.Credentials) *future.Future[struct{}] {
	return c.persistentSubCrud(wire.CmdCreatePersistentSubscription, streamID, groupName, settings, creds)
}

// UpdatePersistentSubscription updates an existing subscription
// group's settings.
func (c *Client) UpdatePersistentSubscription(streamID, groupName string, settings PersistentSubscriptionSettings, creds *wire.Credentials) *future.Future[struct{}] {
	return c.persistentSubCrud(wire.CmdUpdatePersistentSubscription, streamID, groupName, settings, creds)
}

// DeletePersistentSubscription removes a subscription group.
func (c *Client) DeletePersistentSubscription(streamID, groupName string, creds *wire.Credentials) *future.Future[struct{}] {
	return c.persistentSubCrud(wire.CmdDeletePersistentSubscription, streamID, groupName, PersistentSubscriptionSettings{}, creds)
}

// PersistentSubscription is the handle a caller uses to ack/nack and
// unsubscribe from a connected persistent-subscription group.
type PersistentSubscription struct {
	client *Client
	entry  *subscription.Entry
}

// Ack acknowledges delivered messages.
func (p *PersistentSubscription) Ack(ids ...wire.CorrelationID) error {
	return p.client.driver.subMgr.Ack(p.entry, ids...)
}

// Nack negatively acknowledges one delivered message.
func (p *PersistentSubscription) Nack(id wire.CorrelationID, reason string) error {
	return p.client.driver.subMgr.Nack(p.entry, id, reason)
}

// Unsubscribe tears the connected subscription down.
func (p *PersistentSubscription) Unsubscribe() {
	p.client.driver.subMgr.Unsubscribe(p.entry)
}

type subscribeToStreamRequest struct {
	StreamID       string `json:"streamId"`
	ResolveLinkTos bool   `json:"resolveLinkTos"`
}

// SubscribeToStream opens a volatile subscription to streamID,
// delivering events from the moment the server confirms the
// subscription (no catch-up of history already written).
func (c *Client) SubscribeToStream(streamID string, resolveLinkTos bool, onEvent subscription.EventCallback, onDrop subscription.DropCallback) *subscription.Entry {
	req := subscribeToStreamRequest{StreamID: streamID, ResolveLinkTos: resolveLinkTos}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdSubscribeToStream, CorrelationID: id, Auth: c.resolveCreds(nil), Flags: flagsFor(c.resolveCreds(nil)), Payload: mustJSON(req)}
	}
	return c.driver.subMgr.SubscribeVolatile(streamID, build, onEvent, onDrop)
}

// SubscribeToAll opens a volatile subscription to $all.
func (c *Client) SubscribeToAll(resolveLinkTos bool, onEvent subscription.EventCallback, onDrop subscription.DropCallback) *subscription.Entry {
	req := subscribeToStreamRequest{StreamID: "", ResolveLinkTos: resolveLinkTos}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdSubscribeToAll, CorrelationID: id, Auth: c.resolveCreds(nil), Flags: flagsFor(c.resolveCreds(nil)), Payload: mustJSON(req)}
	}
	return c.driver.subMgr.SubscribeVolatile("", build, onEvent, onDrop)
}

type subscribeToPersistentRequest struct {
	StreamID   string `json:"streamId"`
	GroupName  string `json:"group"`
	BufferSize int    `json:"bufferSize"`
}

// SubscribeToPersistentSubscription connects to an existing
// subscription group and starts receiving its competing-consumer
// deliveries.
func (c *Client) SubscribeToPersistentSubscription(streamID, groupName string, bufferSize int, onEvent subscription.EventCallback, onDrop subscription.DropCallback) *PersistentSubscription {
	if bufferSize <= 0 {
		bufferSize = c.settings.PersistentSubscriptionBufferSize
	}
	req := subscribeToPersistentRequest{StreamID: streamID, GroupName: groupName, BufferSize: bufferSize}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdConnectToPersistentSubscription, CorrelationID: id, Auth: c.resolveCreds(nil), Flags: flagsFor(c.resolveCreds(nil)), Payload: mustJSON(req)}
	}
	entry := c.driver.subMgr.SubscribePersistent(streamID, groupName, bufferSize, c.settings.PersistentSubscriptionAutoAckEnabled, c.settings.MaxOperationRetries, build, onEvent, onDrop)
	return &PersistentSubscription{client: c, entry: entry}
}
