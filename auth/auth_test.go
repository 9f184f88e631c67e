package auth_test

import (
	"testing"
	"time"

	"github.com/eventcore/esdbclient-go/auth"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []wire.Package
}

func (f *fakeSender) Send(p wire.Package) error {
	f.sent = append(f.sent, p)
	return nil
}

func TestHandlerNoCredentialsSucceedsImmediately(t *testing.T) {
	h := auth.NewHandler(nil, time.Second)
	require.NoError(t, h.Start(&fakeSender{}))
	assert.NoError(t, h.Await())
}

func TestHandlerAuthenticatedSucceeds(t *testing.T) {
	h := auth.NewHandler(&wire.Credentials{Login: "u", Password: "p"}, time.Second)
	sender := &fakeSender{}
	require.NoError(t, h.Start(sender))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, h.CorrelationID(), sender.sent[0].CorrelationID)

	h.HandleResponse(wire.Package{Command: wire.CmdAuthenticated})
	assert.NoError(t, h.Await())
}

func TestHandlerRejected(t *testing.T) {
	h := auth.NewHandler(&wire.Credentials{Login: "u", Password: "p"}, time.Second)
	require.NoError(t, h.Start(&fakeSender{}))
	h.HandleResponse(wire.Package{Command: wire.CmdNotAuthenticated})
	assert.ErrorIs(t, h.Await(), auth.ErrNotAuthenticated)
}

func TestHandlerTimeout(t *testing.T) {
	h := auth.NewHandler(&wire.Credentials{Login: "u", Password: "p"}, 10*time.Millisecond)
	require.NoError(t, h.Start(&fakeSender{}))
	assert.ErrorIs(t, h.Await(), auth.ErrTimeout)
}
