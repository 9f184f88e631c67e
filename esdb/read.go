package esdb

import (
	"encoding/json"

	"github.com/eventcore/esdbclient-go/future"
	"github.com/eventcore/esdbclient-go/operation"
	"github.com/eventcore/esdbclient-go/wire"
)

// ReadDirection selects forward (ascending) or backward (descending)
// reads over a stream or $all.
type ReadDirection int

const (
	Forward ReadDirection = iota
	Backward
)

// RecordedEvent is one event returned by a read.
type RecordedEvent struct {
	StreamID    string
	EventNumber int64
	EventID     wire.CorrelationID
	EventType   string
	IsJSON      bool
	Data        []byte
	Metadata    []byte
	Position    wire.Position
}

// StreamSlice is one page of a stream read.
type StreamSlice struct {
	Events          []RecordedEvent
	NextEventNumber int64
	IsEndOfStream   bool
	LastEventNumber int64
}

// AllSlice is one page of an $all read.
type AllSlice struct {
	Events   []RecordedEvent
	NextPos  wire.Position
	IsEndOfAll bool
}

type readStreamRequest struct {
	StreamID       string `json:"streamId"`
	FromEventNum   int64  `json:"fromEventNumber"`
	MaxCount       int    `json:"maxCount"`
	ResolveLinkTos bool   `json:"resolveLinkTos"`
	RequireMaster  bool   `json:"requireMaster"`
}

type recordedEventWire struct {
	EventNumber int64              `json:"eventNumber"`
	EventID     wire.CorrelationID `json:"eventId"`
	EventType   string             `json:"eventType"`
	IsJSON      bool               `json:"isJson"`
	Data        []byte             `json:"data"`
	Metadata    []byte             `json:"metadata,omitempty"`
	Commit      int64              `json:"commit"`
	Prepare     int64              `json:"prepare"`
}

type readStreamResponse struct {
	Success         bool                `json:"success"`
	Events          []recordedEventWire `json:"events"`
	NextEventNumber int64               `json:"nextEventNumber"`
	IsEndOfStream   bool                `json:"isEndOfStream"`
	LastEventNumber int64               `json:"lastEventNumber"`
	Error           errorPayload        `json:"error,omitempty"`
}

func fromWireEvents(streamID string, in []recordedEventWire) []RecordedEvent {
	out := make([]RecordedEvent, len(in))
	for i, e := range in {
		out[i] = RecordedEvent{
			StreamID: streamID, EventNumber: e.EventNumber, EventID: e.EventID, EventType: e.EventType,
			IsJSON: e.IsJSON, Data: e.Data, Metadata: e.Metadata,
			Position: wire.Position{Commit: e.Commit, Prepare: e.Prepare},
		}
	}
	return out
}

// ReadStream reads one slice of streamID starting at fromEventNumber
// (0 is the stream's first event), in the given direction.
func (c *Client) ReadStream(streamID string, fromEventNumber int64, maxCount int, direction ReadDirection, resolveLinkTos bool, creds *wire.Credentials) *future.Future[StreamSlice] {
	f := future.New[StreamSlice]()
	req := readStreamRequest{StreamID: streamID, FromEventNum: fromEventNumber, MaxCount: maxCount, ResolveLinkTos: resolveLinkTos, RequireMaster: c.settings.RequireMaster}
	cmd := wire.CmdReadStreamForward
	if direction == Backward {
		cmd = wire.CmdReadStreamBackward
	}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: cmd, CorrelationID: id, Auth: c.resolveCreds(creds), Flags: flagsFor(c.resolveCreds(creds)), Payload: mustJSON(req)}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp readStreamResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(streamID))
		}
		return operation.Success(StreamSlice{
			Events:          fromWireEvents(streamID, resp.Events),
			NextEventNumber: resp.NextEventNumber,
			IsEndOfStream:   resp.IsEndOfStream,
			LastEventNumber: resp.LastEventNumber,
		})
	}
	op := operation.New(build, inspect, c.settings.OperationTimeout, c.settings.MaxOperationRetries, creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := c.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}

type readAllRequest struct {
	FromCommit     int64 `json:"fromCommit"`
	FromPrepare    int64 `json:"fromPrepare"`
	MaxCount       int   `json:"maxCount"`
	ResolveLinkTos bool  `json:"resolveLinkTos"`
	RequireMaster  bool  `json:"requireMaster"`
}

type readAllResponse struct {
	Success     bool                `json:"success"`
	Events      []recordedEventWire `json:"events"`
	NextCommit  int64               `json:"nextCommit"`
	NextPrepare int64               `json:"nextPrepare"`
	IsEndOfAll  bool                `json:"isEndOfAll"`
	Error       errorPayload        `json:"error,omitempty"`
}

// ReadAll reads one slice of $all starting at from, in the given
// direction.
func (c *Client) ReadAll(from wire.Position, maxCount int, direction ReadDirection, resolveLinkTos bool, creds *wire.Credentials) *future.Future[AllSlice] {
	f := future.New[AllSlice]()
	req := readAllRequest{FromCommit: from.Commit, FromPrepare: from.Prepare, MaxCount: maxCount, ResolveLinkTos: resolveLinkTos, RequireMaster: c.settings.RequireMaster}
	cmd := wire.CmdReadAllForward
	if direction == Backward {
		cmd = wire.CmdReadAllBackward
	}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: cmd, CorrelationID: id, Auth: c.resolveCreds(creds), Flags: flagsFor(c.resolveCreds(creds)), Payload: mustJSON(req)}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp readAllResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(""))
		}
		return operation.Success(AllSlice{
			Events:     fromWireEvents("", resp.Events),
			NextPos:    wire.Position{Commit: resp.NextCommit, Prepare: resp.NextPrepare},
			IsEndOfAll: resp.IsEndOfAll,
		})
	}
	op := operation.New(build, inspect, c.settings.OperationTimeout, c.settings.MaxOperationRetries, creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := c.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}
