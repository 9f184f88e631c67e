package esdb_test

import (
	"testing"
	"time"

	"github.com/eventcore/esdbclient-go/esdb"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/stretchr/testify/require"
)

func TestCreatePersistentSubscriptionRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdCreatePersistentSubscription {
			return
		}
		_ = conn.Send(wire.Package{Command: wire.CmdCreatePersistentSubscription, CorrelationID: p.CorrelationID,
			Payload: []byte(`{"success":true}`)})
	})

	settings := esdb.DefaultPersistentSubscriptionSettings()
	_, err := client.CreatePersistentSubscription("orders-1", "billing", settings, nil).Await(2 * time.Second)
	require.NoError(t, err)
}

func TestUpdatePersistentSubscriptionRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdUpdatePersistentSubscription {
			return
		}
		_ = conn.Send(wire.Package{Command: wire.CmdUpdatePersistentSubscription, CorrelationID: p.CorrelationID,
			Payload: []byte(`{"success":true}`)})
	})

	settings := esdb.DefaultPersistentSubscriptionSettings()
	settings.MaxRetryCount = 3
	_, err := client.UpdatePersistentSubscription("orders-1", "billing", settings, nil).Await(2 * time.Second)
	require.NoError(t, err)
}

func TestDeletePersistentSubscriptionRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdDeletePersistentSubscription {
			return
		}
		_ = conn.Send(wire.Package{Command: wire.CmdDeletePersistentSubscription, CorrelationID: p.CorrelationID,
			Payload: []byte(`{"success":true}`)})
	})

	_, err := client.DeletePersistentSubscription("orders-1", "billing", nil).Await(2 * time.Second)
	require.NoError(t, err)
}

func TestCreatePersistentSubscriptionFailure(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdCreatePersistentSubscription {
			return
		}
		_ = conn.Send(wire.Package{Command: wire.CmdCreatePersistentSubscription, CorrelationID: p.CorrelationID,
			Payload: []byte(`{"success":false,"error":{"code":7,"message":"group already exists"}}`)})
	})

	settings := esdb.DefaultPersistentSubscriptionSettings()
	_, err := client.CreatePersistentSubscription("orders-1", "billing", settings, nil).Await(2 * time.Second)
	require.Error(t, err)
}
