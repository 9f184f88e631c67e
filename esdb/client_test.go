package esdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/eventcore/esdbclient-go/esdb"
	"github.com/eventcore/esdbclient-go/internal/testserver"
	"github.com/eventcore/esdbclient-go/subscription"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler testserver.Handler) *esdb.Client {
	t.Helper()
	srv, err := testserver.Run(handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	settings := esdb.NewSettings().WithEndpoint(srv.Addr())
	settings.HeartbeatInterval = time.Minute
	settings.HeartbeatTimeout = time.Minute
	settings.ConnectTimeout = 2 * time.Second
	settings.OperationTimeout = 2 * time.Second
	settings.OperationTimeoutCheckInterval = time.Minute

	client, err := esdb.NewClient(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	return client
}

func TestAppendToStreamRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdAppendToStream {
			return
		}
		resp := []byte(`{"success":true,"nextExpectedVersion":1,"commitPosition":10,"preparePosition":10}`)
		_ = conn.Send(wire.Package{Command: wire.CmdAppendComplete, CorrelationID: p.CorrelationID, Payload: resp})
	})

	f := client.AppendToStream("orders-1", wire.Any, []esdb.EventData{{EventType: "OrderPlaced", Data: []byte(`{}`)}}, nil)
	result, err := f.Await(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.NextExpectedVersion)
	assert.Equal(t, wire.Position{Commit: 10, Prepare: 10}, result.Position)
}

func TestAppendToStreamWrongExpectedVersion(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdAppendToStream {
			return
		}
		resp := []byte(`{"success":false,"error":{"code":0,"currentVersion":5}}`)
		_ = conn.Send(wire.Package{Command: wire.CmdAppendComplete, CorrelationID: p.CorrelationID, Payload: resp})
	})

	f := client.AppendToStream("orders-1", wire.Exact(0), []esdb.EventData{{EventType: "OrderPlaced"}}, nil)
	_, err := f.Await(2 * time.Second)
	require.Error(t, err)
	var wev *esdb.WrongExpectedVersionError
	require.ErrorAs(t, err, &wev)
	assert.Equal(t, int64(5), wev.Actual)
}

func TestReadStreamForwardRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdReadStreamForward {
			return
		}
		resp := []byte(`{"success":true,"events":[{"eventNumber":0,"eventType":"OrderPlaced","isJson":true,"data":"e30="}],"nextEventNumber":1,"isEndOfStream":true,"lastEventNumber":0}`)
		_ = conn.Send(wire.Package{Command: wire.CmdReadStreamComplete, CorrelationID: p.CorrelationID, Payload: resp})
	})

	slice, err := client.ReadStream("orders-1", 0, 100, esdb.Forward, false, nil).Await(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, slice.Events, 1)
	assert.Equal(t, "OrderPlaced", slice.Events[0].EventType)
	assert.True(t, slice.IsEndOfStream)
}

func TestDeleteStreamRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdDeleteStream {
			return
		}
		resp := []byte(`{"success":true,"commitPosition":20,"preparePosition":20}`)
		_ = conn.Send(wire.Package{Command: wire.CmdDeleteComplete, CorrelationID: p.CorrelationID, Payload: resp})
	})

	pos, err := client.DeleteStream("orders-1", wire.Any, false, nil).Await(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.Position{Commit: 20, Prepare: 20}, pos)
}

func TestTransactionRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		switch p.Command {
		case wire.CmdTransactionStart:
			_ = conn.Send(wire.Package{Command: wire.CmdTransactionStarted, CorrelationID: p.CorrelationID,
				Payload: []byte(`{"success":true,"transactionId":42}`)})
		case wire.CmdTransactionWrite:
			_ = conn.Send(wire.Package{Command: wire.CmdTransactionWritten, CorrelationID: p.CorrelationID,
				Payload: []byte(`{"success":true}`)})
		case wire.CmdTransactionCommit:
			_ = conn.Send(wire.Package{Command: wire.CmdTransactionComplete, CorrelationID: p.CorrelationID,
				Payload: []byte(`{"success":true,"nextExpectedVersion":3,"commitPosition":30,"preparePosition":30}`)})
		}
	})

	tx, err := client.StartTransaction("orders-1", wire.Any, nil).Await(2 * time.Second)
	require.NoError(t, err)

	_, err = tx.Write([]esdb.EventData{{EventType: "A"}}).Await(2 * time.Second)
	require.NoError(t, err)

	result, err := tx.Commit().Await(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.NextExpectedVersion)
}

func TestSubscribeToStreamDeliversAfterConfirmation(t *testing.T) {
	confirmed := make(chan struct{})
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdSubscribeToStream {
			return
		}
		_ = conn.Send(wire.Package{Command: wire.CmdSubscriptionConfirmed, CorrelationID: p.CorrelationID})
		_ = conn.Send(wire.Package{Command: wire.CmdStreamEventAppeared, CorrelationID: p.CorrelationID, Payload: []byte(`{}`)})
		close(confirmed)
	})

	delivered := make(chan subscription.ResolvedEvent, 1)
	entry := client.SubscribeToStream("orders-1", false, func(e subscription.ResolvedEvent) error {
		delivered <- e
		return nil
	}, func(subscription.DropReason, error) {})

	select {
	case <-confirmed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was never confirmed")
	}

	require.NotNil(t, entry)

	select {
	case e := <-delivered:
		assert.Equal(t, "orders-1", e.StreamID)
	case <-time.After(2 * time.Second):
		t.Fatal("event pushed after confirmation was never delivered")
	}
}
