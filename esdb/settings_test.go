package esdb_test

import (
	"testing"
	"time"

	"github.com/eventcore/esdbclient-go/esdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettingsDefaults(t *testing.T) {
	s := esdb.NewSettings()
	assert.Equal(t, time.Second, s.ReconnectionDelay)
	assert.Equal(t, 500*time.Millisecond, s.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, s.HeartbeatTimeout)
	assert.True(t, s.RequireMaster)
	assert.Equal(t, 7*time.Second, s.OperationTimeout)
	assert.Equal(t, time.Second, s.OperationTimeoutCheckInterval)
	assert.Equal(t, 5000, s.MaxOperationQueueSize)
	assert.Equal(t, 5000, s.MaxConcurrentOperations)
	assert.Equal(t, 10, s.MaxOperationRetries)
	assert.Equal(t, 10, s.MaxReconnections)
	assert.Equal(t, 10, s.PersistentSubscriptionBufferSize)
	assert.True(t, s.PersistentSubscriptionAutoAckEnabled)
	assert.False(t, s.FailOnNoServerResponse)
}

func TestValidateRejectsMissingDiscoverer(t *testing.T) {
	s := esdb.NewSettings()
	assert.ErrorIs(t, s.Validate(), esdb.ErrMissingNodeSettings)
}

func TestValidateRejectsOutOfRangeParameters(t *testing.T) {
	s := esdb.NewSettings().WithEndpoint("localhost:1234")
	s.MaxOperationQueueSize = 0
	assert.ErrorIs(t, s.Validate(), esdb.ErrOutOfRangeParameter)
}

func TestValidateAcceptsUnlimitedRetriesAndReconnects(t *testing.T) {
	s := esdb.NewSettings().WithEndpoint("localhost:1234")
	s.MaxOperationRetries = -1
	s.MaxReconnections = -1
	require.NoError(t, s.Validate())
}

func TestWithEndpointBuildsStaticDiscoverer(t *testing.T) {
	s := esdb.NewSettings().WithEndpoint("localhost:1234")
	require.NoError(t, s.Validate())
	ep, err := s.Discoverer.Discover(nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:1234", ep.Address)
}

func TestWithCredentials(t *testing.T) {
	s := esdb.NewSettings().WithCredentials("admin", "changeit")
	require.NotNil(t, s.Credentials)
	assert.Equal(t, "admin", s.Credentials.Login)
	assert.Equal(t, "changeit", s.Credentials.Password)
}
