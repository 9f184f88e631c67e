package esdb_test

import (
	"testing"
	"time"

	"github.com/eventcore/esdbclient-go/esdb"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStreamMetadataRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdGetStreamMetadata {
			return
		}
		resp := []byte(`{"success":true,"metadata":{"acl":{"$r":"admin"},"maxCount":100},"version":3}`)
		_ = conn.Send(wire.Package{Command: wire.CmdGetStreamMetadata, CorrelationID: p.CorrelationID, Payload: resp})
	})

	result, err := client.GetStreamMetadata("orders-1", nil).Await(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Version)
	require.NotNil(t, result.Metadata.ACL)
	assert.Equal(t, []string{"admin"}, result.Metadata.ACL.ReadRoles)
	require.NotNil(t, result.Metadata.MaxCount)
	assert.Equal(t, int64(100), *result.Metadata.MaxCount)
}

func TestSetStreamMetadataRoundTrip(t *testing.T) {
	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		if p.Command != wire.CmdSetStreamMetadata {
			return
		}
		resp := []byte(`{"success":true,"nextExpectedVersion":4}`)
		_ = conn.Send(wire.Package{Command: wire.CmdSetStreamMetadata, CorrelationID: p.CorrelationID, Payload: resp})
	})

	maxCount := int64(200)
	next, err := client.SetStreamMetadata("orders-1", wire.Exact(3), esdb.StreamMetadata{MaxCount: &maxCount}, nil).Await(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)
}
