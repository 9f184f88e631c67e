package esdb

import (
	"encoding/json"

	"github.com/eventcore/esdbclient-go/future"
	"github.com/eventcore/esdbclient-go/operation"
	"github.com/eventcore/esdbclient-go/wire"
)

// Transaction is a multi-round-trip append split into Start/Write*/Commit,
// for callers that need to stream a large batch of events without
// holding them all in memory at once.
type Transaction struct {
	id       int64
	streamID string
	client   *Client
	creds    *wire.Credentials
}

type transactionStartRequest struct {
	StreamID        string `json:"streamId"`
	ExpectedVersion int64  `json:"expectedVersion"`
	RequireMaster   bool   `json:"requireMaster"`
}

type transactionStartResponse struct {
	Success       bool         `json:"success"`
	TransactionID int64        `json:"transactionId"`
	Error         errorPayload `json:"error,omitempty"`
}

// StartTransaction opens a transaction against streamID under an
// optimistic concurrency check.
func (c *Client) StartTransaction(streamID string, expectedVersion wire.ExpectedVersion, creds *wire.Credentials) *future.Future[*Transaction] {
	f := future.New[*Transaction]()
	req := transactionStartRequest{StreamID: streamID, ExpectedVersion: expectedVersion.WireValue(), RequireMaster: c.settings.RequireMaster}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdTransactionStart, CorrelationID: id, Auth: c.resolveCreds(creds), Flags: flagsFor(c.resolveCreds(creds)), Payload: mustJSON(req)}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp transactionStartResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(streamID))
		}
		return operation.Success(&Transaction{id: resp.TransactionID, streamID: streamID, client: c, creds: creds})
	}
	op := operation.New(build, inspect, c.settings.OperationTimeout, c.settings.MaxOperationRetries, creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := c.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}

type transactionWriteRequest struct {
	TransactionID int64   `json:"transactionId"`
	Events        []event `json:"events"`
	RequireMaster bool    `json:"requireMaster"`
}

type transactionWriteResponse struct {
	Success bool         `json:"success"`
	Error   errorPayload `json:"error,omitempty"`
}

// Write appends a batch of events to the open transaction.
func (t *Transaction) Write(events []EventData) *future.Future[struct{}] {
	f := future.New[struct{}]()
	req := transactionWriteRequest{TransactionID: t.id, Events: toEvents(events), RequireMaster: t.client.settings.RequireMaster}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdTransactionWrite, CorrelationID: id, Auth: t.client.resolveCreds(t.creds), Flags: flagsFor(t.client.resolveCreds(t.creds)), Payload: mustJSON(req)}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp transactionWriteResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(t.streamID))
		}
		return operation.Success(struct{}{})
	}
	op := operation.New(build, inspect, t.client.settings.OperationTimeout, t.client.settings.MaxOperationRetries, t.creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := t.client.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}

type transactionCommitRequest struct {
	TransactionID int64 `json:"transactionId"`
	RequireMaster bool  `json:"requireMaster"`
}

type transactionCommitResponse struct {
	Success             bool         `json:"success"`
	NextExpectedVersion int64        `json:"nextExpectedVersion"`
	CommitPosition      int64        `json:"commitPosition"`
	PreparePosition     int64        `json:"preparePosition"`
	Error               errorPayload `json:"error,omitempty"`
}

// Commit finalizes the transaction, making all written events visible
// atomically.
func (t *Transaction) Commit() *future.Future[WriteResult] {
	f := future.New[WriteResult]()
	req := transactionCommitRequest{TransactionID: t.id, RequireMaster: t.client.settings.RequireMaster}
	build := func(id wire.CorrelationID) wire.Package {
		return wire.Package{Command: wire.CmdTransactionCommit, CorrelationID: id, Auth: t.client.resolveCreds(t.creds), Flags: flagsFor(t.client.resolveCreds(t.creds)), Payload: mustJSON(req)}
	}
	inspect := func(p wire.Package) operation.Outcome {
		var resp transactionCommitResponse
		if err := json.Unmarshal(p.Payload, &resp); err != nil {
			return operation.Fail(err)
		}
		if !resp.Success {
			return operation.Fail(resp.Error.toError(t.streamID))
		}
		return operation.Success(WriteResult{
			NextExpectedVersion: resp.NextExpectedVersion,
			Position:            wire.Position{Commit: resp.CommitPosition, Prepare: resp.PreparePosition},
		})
	}
	op := operation.New(build, inspect, t.client.settings.OperationTimeout, t.client.settings.MaxOperationRetries, t.creds,
		operation.NewCompletion(f.Succeed, f.Fail))
	if err := t.client.driver.opMgr.Enqueue(op); err != nil {
		f.Fail(err)
	}
	return f
}
