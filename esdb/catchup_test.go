package esdb_test

import (
	"sync"
	"testing"
	"time"

	"github.com/eventcore/esdbclient-go/catchup"
	"github.com/eventcore/esdbclient-go/subscription"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSubscribeToStreamFromDeliversHistoryThenGoesLive drives a
// catch-up subscription against a fake server that serves one
// historical batch (ending the stream) and then confirms the live
// volatile subscription it switches to.
func TestSubscribeToStreamFromDeliversHistoryThenGoesLive(t *testing.T) {
	var mu sync.Mutex
	var delivered []subscription.ResolvedEvent
	liveStarted := make(chan struct{})
	var once sync.Once

	client := newTestClient(t, func(conn *wire.Conn, p wire.Package) {
		switch p.Command {
		case wire.CmdReadStreamForward:
			resp := []byte(`{"success":true,"events":[
				{"eventNumber":0,"eventType":"OrderPlaced","isJson":true,"data":"e30="},
				{"eventNumber":1,"eventType":"OrderShipped","isJson":true,"data":"e30="}
			],"nextEventNumber":2,"isEndOfStream":true,"lastEventNumber":1}`)
			_ = conn.Send(wire.Package{Command: wire.CmdReadStreamComplete, CorrelationID: p.CorrelationID, Payload: resp})
		case wire.CmdSubscribeToStream:
			_ = conn.Send(wire.Package{Command: wire.CmdSubscriptionConfirmed, CorrelationID: p.CorrelationID})
		}
	})

	listener := catchup.Listener{
		OnEvent: func(e subscription.ResolvedEvent) error {
			mu.Lock()
			delivered = append(delivered, e)
			mu.Unlock()
			return nil
		},
		OnLiveProcessingStarted: func() {
			once.Do(func() { close(liveStarted) })
		},
	}

	sub, err := client.SubscribeToStreamFrom("orders-1", -1, false, listener, nil)
	require.NoError(t, err)
	t.Cleanup(sub.Stop)

	select {
	case <-liveStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up subscription never reached live processing")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 2)
	assert.Equal(t, int64(0), delivered[0].EventNumber)
	assert.Equal(t, int64(1), delivered[1].EventNumber)
}
