package esdb

import (
	"encoding/json"

	"github.com/eventcore/esdbclient-go/future"
	"github.com/eventcore/esdbclient-go/operation"
	"github.com/eventcore/esdbclient-go/wire"
)

// EventData is one event to append: an id supplied by the caller (so
// retries are idempotent server-side), a type tag, and opaque
// JSON/binary payloads for the event body and optional metadata.
type EventData struct {
	EventID      wire.CorrelationID
	EventType    string
	IsJSON       bool
	Data         []byte
	Metadata     []byte
}

type appendRequest struct {
	StreamID        string  `json:"streamId"`
	ExpectedVersion int64   `json:"expectedVersion"`
	Events          []event `json:"events"`
	RequireMaster   bool    `json:"requireMaster"`
}

type event struct {
	EventID   wire.CorrelationID `json:"eventId"`
	EventType string             `json:"eventType"`
	IsJSON    bool               `json:"isJson"`
	Data      []byte             `json:"data"`
	Metadata  []byte             `json:"metadata,omitempty"`
}

type appendResponse struct {
	Success             bool         `json:"success"`
	NextExpectedVersion int64        `json:"nextExpectedVersion"`
	CommitPosition      int64        `json:"commitPosition"`
	PreparePosition     int64        `json:"preparePosition"`
	Error               errorPayload `json:"error,omitempty"`
}

// WriteResult reports where an append/transaction-commit landed.
type WriteResult struct {
	NextExpectedVersion int64
	Position            wire.Position
}

func toEvents(events []EventData) []event {
	out := make([]event, len(events))
	for i, e := range events {
		out[i] = event{EventID: e.EventID, EventType: e.EventType, IsJSON: e.IsJSON, Data: e.Data, Metadata: e.Metadata}
	}
	return out
}

// AppendToStream appends events to streamID under an optimistic
// concurrency check.
func (c *Client) AppendToStream(streamID string, expectedVersion wire.ExpectedVersion, events []EventData, creds *wire.Credentials) *future.Future[WriteResult] {
	f := future.New[WriteResult]()
	req := appendRequest{
		StreamID:        streamID,
		ExpectedVersion: expectedVersion.WireValue(),
		Events:          toEvents(events),
		RequireMaster:   c.settings.RequireMaster,
	}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{
			Command:       wire.CmdAppendToStream,
			CorrelationID: id,
			Auth:          c.resolveCreds(creds),
			Flags:         flagsFor(c.resolveCreds(creds)),
			Payload:       mustJSON(req),
		}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp appendResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(streamID))
		}
		return operation.Success(WriteResult{
			NextExpectedVersion: resp.NextExpectedVersion,
			Position:            wire.Position{Commit: resp.CommitPosition, Prepare: resp.PreparePosition},
		})
	}
	op := operation.New(build, inspect, c.settings.OperationTimeout, c.settings.MaxOperationRetries, creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := c.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}

type deleteRequest struct {
	StreamID        string `json:"streamId"`
	ExpectedVersion int64  `json:"expectedVersion"`
	HardDelete      bool   `json:"hardDelete"`
}

type deleteResponse struct {
	Success         bool         `json:"success"`
	CommitPosition  int64        `json:"commitPosition"`
	PreparePosition int64        `json:"preparePosition"`
	Error           errorPayload `json:"error,omitempty"`
}

// DeleteStream deletes streamID, soft by default or permanently when
// hardDelete is true.
func (c *Client) DeleteStream(streamID string, expectedVersion wire.ExpectedVersion, hardDelete bool, creds *wire.Credentials) *future.Future[wire.Position] {
	f := future.New[wire.Position]()
	req := deleteRequest{StreamID: streamID, ExpectedVersion: expectedVersion.WireValue(), HardDelete: hardDelete}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdDeleteStream, CorrelationID: id, Auth: c.resolveCreds(creds), Flags: flagsFor(c.resolveCreds(creds)), Payload: mustJSON(req)}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp deleteResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(streamID))
		}
		return operation.Success(wire.Position{Commit: resp.CommitPosition, Prepare: resp.PreparePosition})
	}
	op := operation.New(build, inspect, c.settings.OperationTimeout, c.settings.MaxOperationRetries, creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := c.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}

func (c *Client) resolveCreds(override *wire.Credentials) *wire.Credentials {
	if override != nil {
		return override
	}
	return c.settings.Credentials
}

func flagsFor(creds *wire.Credentials) wire.Flags {
	if creds != nil {
		return wire.FlagAuth
	}
	return wire.FlagNone
}
