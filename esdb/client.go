// Package esdb is the public client for the append-only event-store
// server: connection lifecycle, endpoint discovery, authentication,
// heartbeating, retries and reconnection are handled internally; the
// facade exposes append/read/transaction/subscribe/metadata calls that
// resolve through promises (package future) or deliver events through
// callbacks (packages subscription, catchup).
package esdb

import (
	"context"
	"fmt"

	"github.com/eventcore/esdbclient-go/catchup"
	"github.com/panjf2000/ants/v2"
)

// Client is the facade over one server connection (or cluster,
// through the configured Discoverer).
type Client struct {
	settings *Settings
	pool     *ants.Pool
	driver   *driver
}

// NewClient validates settings and builds a Client. It does not
// connect — call Connect.
func NewClient(settings *Settings) (*Client, error) {
	if settings == nil {
		settings = NewSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(settings.WorkerPoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("esdb: building worker pool: %w", err)
	}

	c := &Client{settings: settings, pool: pool}
	c.driver = newDriver(settings, pool)
	return c, nil
}

// Connect performs the initial connection and blocks until Connected
// or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.driver.Connect(ctx); err != nil {
		return err
	}
	return c.driver.AwaitConnected(ctx)
}

// Phase reports the driver's current connection phase.
func (c *Client) Phase() Phase { return c.driver.Phase() }

// Close tears down the connection and releases the worker pool.
func (c *Client) Close() error {
	err := c.driver.Close()
	c.pool.Release()
	return err
}

// newCatchUpPool adapts the client's ants.Pool to catchup.Pool (same
// Submit(func()) error shape as future.Pool, kept as a distinct type
// in package catchup to avoid a hard dependency on package future).
func (c *Client) newCatchUpPool() catchup.Pool { return c.pool }
