package esdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eventcore/esdbclient-go/auth"
	"github.com/eventcore/esdbclient-go/future"
	"github.com/eventcore/esdbclient-go/heartbeat"
	"github.com/eventcore/esdbclient-go/operation"
	"github.com/eventcore/esdbclient-go/subscription"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// Phase is the driver's top-level connection state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseEndpointDiscovery
	PhaseConnectionEstablishing
	PhaseAuthentication
	PhaseConnected
	PhaseReconnecting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseEndpointDiscovery:
		return "endpoint-discovery"
	case PhaseConnectionEstablishing:
		return "connection-establishing"
	case PhaseAuthentication:
		return "authentication"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// driverMetrics tracks phase and reconnect counts.
type driverMetrics struct {
	Reconnects prometheus.Counter
	Phase      *prometheus.GaugeVec
}

func newDriverMetrics(reg prometheus.Registerer) *driverMetrics {
	m := &driverMetrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "esdbclient", Subsystem: "driver", Name: "reconnects_total",
			Help: "Reconnection attempts started.",
		}),
		Phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "esdbclient", Subsystem: "driver", Name: "phase",
			Help: "1 for the driver's current phase, 0 for all others.",
		}, []string{"phase"}),
	}
	if reg != nil {
		_ = reg.Register(m.Reconnects)
		_ = reg.Register(m.Phase)
	}
	return m
}

func (m *driverMetrics) setPhase(p Phase) {
	for _, name := range []string{"init", "endpoint-discovery", "connection-establishing", "authentication", "connected", "reconnecting", "closed"} {
		v := 0.0
		if name == p.String() {
			v = 1.0
		}
		m.Phase.WithLabelValues(name).Set(v)
	}
}

// hookSet is a subscribe/unsubscribe registry over "connected" events,
// satisfying catchup.ReconnectHooks. Deregistration is guaranteed on
// every terminal path because the returned unregister func is
// idempotent and safe to call from dropSubscription.
type hookSet struct {
	mu     sync.Mutex
	nextID int
	hooks  map[int]func()
}

func newHookSet() *hookSet { return &hookSet{hooks: make(map[int]func())} }

func (h *hookSet) OnReconnected(f func()) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.hooks[id] = f
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.hooks, id)
		h.mu.Unlock()
	}
}

func (h *hookSet) fire() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.hooks))
	for _, f := range h.hooks {
		fns = append(fns, f)
	}
	h.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// driver owns the single TCP channel and drives it through its
// connection phase graph. All transitions are serialized under mu —
// a mutex held during each transition rather than a pinned goroutine
// mailbox.
type driver struct {
	mu    sync.Mutex
	phase Phase

	settings *Settings
	workers  future.Pool

	conn      *wire.Conn
	auth      *auth.Handler
	heartbeat *heartbeat.Monitor

	opMgr  *operation.Manager
	subMgr *subscription.Manager

	hooks   *hookSet
	log     *slog.Logger
	metrics *driverMetrics

	reconnectCount int
	closed         bool

	connectedCh chan struct{} // replaced each time we leave Connected
	stopSweep   chan struct{}
}

func newDriver(settings *Settings, workers future.Pool) *driver {
	d := &driver{
		settings:    settings,
		workers:     workers,
		hooks:       newHookSet(),
		log:         settings.Logger,
		metrics:     newDriverMetrics(settings.Registry),
		connectedCh: make(chan struct{}),
		stopSweep:   make(chan struct{}),
	}
	d.opMgr = operation.NewManager(nil, workers, settings.MaxOperationQueueSize, settings.MaxConcurrentOperations,
		settings.FailOnNoServerResponse, operation.NewMetrics(settings.Registry), settings.Logger, d.onOperationReconnectRequested)
	d.subMgr = subscription.NewManager(nil)
	go d.runTimeoutSweep()
	return d
}

// runTimeoutSweep periodically asks the operation manager to retry any
// operation that has outrun its deadline (or fail it, when
// FailOnNoServerResponse is set). It runs for the lifetime of
// the driver, independent of connection phase: a disconnected driver
// simply has nothing in its active set to sweep.
func (d *driver) runTimeoutSweep() {
	ticker := time.NewTicker(d.settings.OperationTimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			d.opMgr.CheckTimeouts(now)
		case <-d.stopSweep:
			return
		}
	}
}

// Both managers start without a sender, so work submitted before the
// first connection queues instead of erroring: neither manager
// dispatches until a sender is installed via SetSender.

func (d *driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *driver) transition(p Phase) {
	d.mu.Lock()
	from := d.phase
	d.phase = p
	d.mu.Unlock()
	d.metrics.setPhase(p)
	d.log.Debug("esdb: phase transition", "from", from, "to", p)
}

// Connect drives Init → EndpointDiscovery → ConnectionEstablishing →
// Authentication → Connected, retrying through Reconnecting on
// failure, until ctx is done or the connection succeeds.
func (d *driver) Connect(ctx context.Context) error {
	d.transition(PhaseEndpointDiscovery)
	return d.attemptConnect(ctx)
}

func (d *driver) attemptConnect(ctx context.Context) error {
	for {
		ep, err := d.settings.Discoverer.Discover(ctx)
		if err != nil {
			if err := d.enterReconnecting(ctx); err != nil {
				return err
			}
			continue
		}

		d.transition(PhaseConnectionEstablishing)
		conn, err := wire.Dial(ep.Address, wire.DialOptions{
			TLS:            d.settings.TLS,
			ConnectTimeout: d.settings.ConnectTimeout,
			WriteDeadline:  d.settings.OperationTimeout,
			Logger:         d.log,
		})
		if err != nil {
			d.log.Warn("esdb: connect failed", "endpoint", ep.Address, "err", err)
			if err := d.enterReconnecting(ctx); err != nil {
				return err
			}
			continue
		}

		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
		conn.StartReading(d)

		d.transition(PhaseAuthentication)
		authHandler := auth.NewHandler(d.settings.Credentials, d.settings.OperationTimeout)
		d.mu.Lock()
		d.auth = authHandler
		d.mu.Unlock()

		if err := authHandler.Start(conn); err != nil {
			_ = conn.Close()
			if err := d.enterReconnecting(ctx); err != nil {
				return err
			}
			continue
		}
		if err := authHandler.Await(); err != nil {
			d.log.Warn("esdb: authentication failed", "err", err)
			_ = conn.Close()
			return fmt.Errorf("esdb: %w: %v", ErrConnectionClosed, err)
		}

		d.onConnected(conn)
		return nil
	}
}

func (d *driver) onConnected(conn *wire.Conn) {
	d.heartbeat = heartbeat.NewMonitor(conn, d.settings.HeartbeatInterval, d.settings.HeartbeatTimeout, d.onHeartbeatFault)
	d.heartbeat.Start()

	d.opMgr.SetSender(conn)
	d.subMgr.SetSender(conn)

	d.mu.Lock()
	d.reconnectCount = 0
	ch := d.connectedCh
	d.connectedCh = make(chan struct{})
	d.mu.Unlock()
	close(ch)

	d.transition(PhaseConnected)
	d.hooks.fire()
}

// enterReconnecting sleeps a backoff interval, increments the
// reconnect count, and fails permanently once MaxReconnections (when
// not -1) is exhausted.
func (d *driver) enterReconnecting(ctx context.Context) error {
	d.mu.Lock()
	d.reconnectCount++
	count := d.reconnectCount
	max := d.settings.MaxReconnections
	d.mu.Unlock()

	if max >= 0 && count > max {
		d.transition(PhaseClosed)
		return ErrMaxReconnectsReached
	}

	d.transition(PhaseReconnecting)
	d.metrics.Reconnects.Inc()
	d.opMgr.OnReconnecting()
	d.subMgr.OnReconnecting()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.settings.ReconnectionDelay
	delay := bo.NextBackOff()

	select {
	case <-time.After(delay):
		d.transition(PhaseEndpointDiscovery)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnPackage implements wire.Handler: dispatches heartbeat acks to the
// heartbeat monitor, then routes subscription-shaped commands to the
// subscription manager and everything else to the operation manager.
func (d *driver) OnPackage(p wire.Package) {
	if p.Command == wire.CmdHeartbeatResponse {
		d.mu.Lock()
		hb := d.heartbeat
		d.mu.Unlock()
		if hb != nil {
			hb.HandleResponse(p.CorrelationID)
		}
		return
	}

	d.mu.Lock()
	hb := d.heartbeat
	authHandler := d.auth
	d.mu.Unlock()
	if hb != nil {
		hb.NoteActivity()
	}

	switch p.Command {
	case wire.CmdAuthenticated, wire.CmdNotAuthenticated:
		if authHandler != nil && p.CorrelationID == authHandler.CorrelationID() {
			authHandler.HandleResponse(p)
		}
	case wire.CmdSubscriptionConfirmed, wire.CmdStreamEventAppeared, wire.CmdSubscriptionDropped,
		wire.CmdPersistentSubscriptionConfirmation:
		d.subMgr.HandleResponse(p)
	default:
		d.opMgr.HandleResponse(p)
	}
}

// OnClosed implements wire.Handler: the channel dropped, so the driver
// moves every in-flight operation/subscription back to waiting and
// starts reconnecting in the background.
func (d *driver) OnClosed(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if d.heartbeat != nil {
		d.heartbeat.Stop()
	}
	d.log.Warn("esdb: connection lost", "err", err)

	go func() {
		ctx := context.Background()
		if connErr := d.enterReconnecting(ctx); connErr != nil {
			d.log.Error("esdb: reconnect failed permanently", "err", connErr)
			return
		}
		if connErr := d.attemptConnect(ctx); connErr != nil {
			d.log.Error("esdb: reconnect failed permanently", "err", connErr)
		}
	}()
}

func (d *driver) onHeartbeatFault(err error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// onOperationReconnectRequested handles a "not leader, try elsewhere"
// outcome from an in-flight operation. The operation itself already
// returned to waiting without penalty (operation.Manager's job); the
// driver additionally forces a reconnect through discovery so the
// next dispatch has a chance of hitting the right node.
func (d *driver) onOperationReconnectRequested(endpoint string) {
	d.log.Info("esdb: server requested reconnect", "endpoint", endpoint)
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		// This runs on the read loop, which Close waits for, and a Conn
		// closed locally never reports OnClosed; so close it from another
		// goroutine and start the reconnect here.
		go func() {
			_ = conn.Close()
			d.OnClosed(ErrConnectionClosed)
		}()
	}
}

// AwaitConnected blocks until the driver reaches Connected or ctx is
// done.
func (d *driver) AwaitConnected(ctx context.Context) error {
	d.mu.Lock()
	if d.phase == PhaseConnected {
		d.mu.Unlock()
		return nil
	}
	ch := d.connectedCh
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the driver down: from any phase, to Closed.
func (d *driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn := d.conn
	hb := d.heartbeat
	d.mu.Unlock()

	close(d.stopSweep)
	d.transition(PhaseClosed)
	if hb != nil {
		hb.Stop()
	}
	d.opMgr.Close(ErrConnectionClosed)
	d.subMgr.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send implements operation.Sender / subscription.Sender by delegating
// to the live connection.
func (d *driver) Send(p wire.Package) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}
	return conn.Send(p)
}
