package esdb

import (
	"log/slog"
	"time"

	"github.com/eventcore/esdbclient-go/discovery"
	"github.com/eventcore/esdbclient-go/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// Settings is the full set of recognized client options. Build one
// with NewSettings to get documented defaults, then override fields
// or use the With* helpers.
type Settings struct {
	Discoverer  discovery.Discoverer
	Credentials *wire.Credentials
	TLS         wire.TLSSettings

	ReconnectionDelay             time.Duration
	HeartbeatInterval             time.Duration
	HeartbeatTimeout              time.Duration
	RequireMaster                 bool
	OperationTimeout              time.Duration
	OperationTimeoutCheckInterval time.Duration
	MaxOperationQueueSize         int
	MaxConcurrentOperations       int
	MaxOperationRetries           int
	MaxReconnections              int

	PersistentSubscriptionBufferSize     int
	PersistentSubscriptionAutoAckEnabled bool

	FailOnNoServerResponse bool

	ConnectTimeout time.Duration

	Logger   *slog.Logger
	Registry prometheus.Registerer // nil disables metric registration

	// WorkerPoolSize bounds the shared ants.Pool running user callbacks
	// off the I/O reactor goroutine.
	WorkerPoolSize int
}

// NewSettings returns Settings populated with documented defaults.
func NewSettings() *Settings {
	return &Settings{
		TLS:                                   wire.NoTLS,
		ReconnectionDelay:                     time.Second,
		HeartbeatInterval:                     500 * time.Millisecond,
		HeartbeatTimeout:                      1500 * time.Millisecond,
		RequireMaster:                         true,
		OperationTimeout:                      7 * time.Second,
		OperationTimeoutCheckInterval:         time.Second,
		MaxOperationQueueSize:                 5000,
		MaxConcurrentOperations:               5000,
		MaxOperationRetries:                   10,
		MaxReconnections:                      10,
		PersistentSubscriptionBufferSize:      10,
		PersistentSubscriptionAutoAckEnabled:  true,
		FailOnNoServerResponse:                false,
		ConnectTimeout:                        5 * time.Second,
		Logger:                                slog.Default(),
		WorkerPoolSize:                        64,
	}
}

// Validate rejects a missing Discoverer and out-of-range numeric
// parameters at build time. WithEndpoint and WithCluster both set the
// single Discoverer field, so the later call replaces the earlier one;
// such a combination is not detected and ErrConflictingNodeSettings is
// not returned.
func (s *Settings) Validate() error {
	if s.Discoverer == nil {
		return ErrMissingNodeSettings
	}
	if s.MaxOperationQueueSize <= 0 || s.MaxConcurrentOperations <= 0 {
		return ErrOutOfRangeParameter
	}
	if s.MaxOperationRetries < -1 || s.MaxReconnections < -1 {
		return ErrOutOfRangeParameter
	}
	if s.HeartbeatInterval <= 0 || s.HeartbeatTimeout <= 0 {
		return ErrOutOfRangeParameter
	}
	if s.PersistentSubscriptionBufferSize <= 0 {
		return ErrOutOfRangeParameter
	}
	return nil
}

// WithEndpoint configures a single static endpoint — shorthand over a
// Discoverer for the common single-node case.
func (s *Settings) WithEndpoint(address string) *Settings {
	s.Discoverer = discovery.NewStatic(discovery.Endpoint{Address: address, Role: discovery.RoleUnknown})
	return s
}

// WithCluster configures DNS-based cluster discovery.
func (s *Settings) WithCluster(host string, port int) *Settings {
	s.Discoverer = discovery.NewDNS(host, port)
	return s
}

// WithCredentials sets the default login/password sent with every
// operation unless overridden per-call.
func (s *Settings) WithCredentials(login, password string) *Settings {
	s.Credentials = &wire.Credentials{Login: login, Password: password}
	return s
}

// WithLogger installs a structured logger, threaded into the driver,
// the operation manager and the wire connection.
func (s *Settings) WithLogger(l *slog.Logger) *Settings {
	s.Logger = l
	return s
}

// WithRegistry enables Prometheus metric registration for the driver
// and the operation manager.
func (s *Settings) WithRegistry(reg prometheus.Registerer) *Settings {
	s.Registry = reg
	return s
}
