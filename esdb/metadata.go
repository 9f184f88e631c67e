package esdb

import (
	"encoding/json"

	"github.com/eventcore/esdbclient-go/future"
	"github.com/eventcore/esdbclient-go/operation"
	"github.com/eventcore/esdbclient-go/wire"
)

// StreamMetadata is the subset of stream-level metadata this client
// exposes: the access-control list plus a caching hint and an
// arbitrary custom block, mirroring what the server stores in the
// stream's $$-prefixed metadata stream.
type StreamMetadata struct {
	ACL            *StreamACL      `json:"acl,omitempty"`
	MaxAgeSeconds  *int64          `json:"maxAgeSeconds,omitempty"`
	MaxCount       *int64          `json:"maxCount,omitempty"`
	CacheControlMs *int64          `json:"cacheControlMs,omitempty"`
	Custom         json.RawMessage `json:"custom,omitempty"`
}

type getMetadataRequest struct {
	StreamID string `json:"streamId"`
}

type getMetadataResponse struct {
	Success  bool           `json:"success"`
	Metadata StreamMetadata `json:"metadata"`
	Version  int64          `json:"version"`
	Error    errorPayload   `json:"error,omitempty"`
}

// StreamMetadataResult pairs metadata with the event number it was
// last written at, for use as the expected version on a subsequent
// SetStreamMetadata call.
type StreamMetadataResult struct {
	Metadata StreamMetadata
	Version  int64
}

// GetStreamMetadata fetches streamID's current metadata.
func (c *Client) GetStreamMetadata(streamID string, creds *wire.Credentials) *future.Future[StreamMetadataResult] {
	f := future.New[StreamMetadataResult]()
	req := getMetadataRequest{StreamID: streamID}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdGetStreamMetadata, CorrelationID: id, Auth: c.resolveCreds(creds), Flags: flagsFor(c.resolveCreds(creds)), Payload: mustJSON(req)}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp getMetadataResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(streamID))
		}
		return operation.Success(StreamMetadataResult{Metadata: resp.Metadata, Version: resp.Version})
	}
	op := operation.New(build, inspect, c.settings.OperationTimeout, c.settings.MaxOperationRetries, creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := c.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}

type setMetadataRequest struct {
	StreamID        string         `json:"streamId"`
	ExpectedVersion int64          `json:"expectedVersion"`
	Metadata        StreamMetadata `json:"metadata"`
}

type setMetadataResponse struct {
	Success             bool         `json:"success"`
	NextExpectedVersion int64        `json:"nextExpectedVersion"`
	Error               errorPayload `json:"error,omitempty"`
}

// SetStreamMetadata overwrites streamID's metadata under an optimistic
// concurrency check against the metadata stream's own version.
func (c *Client) SetStreamMetadata(streamID string, expectedVersion wire.ExpectedVersion, metadata StreamMetadata, creds *wire.Credentials) *future.Future[int64] {
	f := future.New[int64]()
	req := setMetadataRequest{StreamID: streamID, ExpectedVersion: expectedVersion.WireValue(), Metadata: metadata}
	payload, err := json.Marshal(req)
	if err != nil {
		f.Fail(err)
		return f
	}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdSetStreamMetadata, CorrelationID: id, Auth: c.resolveCreds(creds), Flags: flagsFor(c.resolveCreds(creds)), Payload: payload}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp setMetadataResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(streamID))
		}
		return operation.Success(resp.NextExpectedVersion)
	}
	op := operation.New(build, inspect, c.settings.OperationTimeout, c.settings.MaxOperationRetries, creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := c.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}
