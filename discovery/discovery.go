// Package discovery resolves a healthy server endpoint from static or
// cluster configuration. Endpoint discovery mechanics are an external
// collaborator per the client's design (gossip protocols, DNS SRV
// records, and the like are deployment-specific); this package defines
// the seam and ships the two mechanical implementations — a fixed
// address and DNS A/AAAA resolution — that need no server-side gossip
// protocol to exercise.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
)

// NodeRole describes a discovered node's role in a cluster, echoed back
// alongside its address so the caller can honor requireMaster.
type NodeRole int

const (
	RoleUnknown NodeRole = iota
	RoleLeader
	RoleFollower
	RoleReadOnlyReplica
)

// Endpoint is a resolved, dialable node address plus role metadata.
type Endpoint struct {
	Address string // host:port, ready for net.Dial
	Role    NodeRole
}

var ErrNoEndpoints = errors.New("discovery: no endpoints available")

// Discoverer yields a healthy node address on demand. Implementations
// may cache or re-resolve on every call; the connection driver calls
// Discover once per EndpointDiscovery phase entry.
type Discoverer interface {
	Discover(ctx context.Context) (Endpoint, error)
}

// Static always returns one of a fixed list of endpoints, chosen at
// random on each call so repeated discovery failures spread load
// across the configured set instead of hammering the first entry.
type Static struct {
	Endpoints []Endpoint
}

func NewStatic(endpoints ...Endpoint) *Static {
	return &Static{Endpoints: endpoints}
}

func (s *Static) Discover(_ context.Context) (Endpoint, error) {
	if len(s.Endpoints) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}
	return s.Endpoints[rand.IntN(len(s.Endpoints))], nil
}

// DNS resolves a hostname to one of its A/AAAA records on every call,
// pairing it with a fixed port. It carries no role metadata (RoleUnknown)
// since plain DNS records do not encode cluster role.
type DNS struct {
	Host string
	Port int
}

func NewDNS(host string, port int) *DNS {
	return &DNS{Host: host, Port: port}
}

func (d *DNS) Discover(ctx context.Context) (Endpoint, error) {
	resolver := &net.Resolver{}
	addrs, err := resolver.LookupHost(ctx, d.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("discovery: lookup %s: %w", d.Host, err)
	}
	if len(addrs) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}
	addr := addrs[rand.IntN(len(addrs))]
	return Endpoint{
		Address: net.JoinHostPort(addr, fmt.Sprint(d.Port)),
		Role:    RoleUnknown,
	}, nil
}
