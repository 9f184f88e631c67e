// Package auth implements the challenge/response gate a freshly
// established channel passes through before the driver considers it
// operational.
package auth

import (
	"errors"
	"time"

	"github.com/eventcore/esdbclient-go/wire"
	"github.com/google/uuid"
)

var (
	ErrNotAuthenticated = errors.New("auth: server rejected credentials")
	ErrTimeout          = errors.New("auth: no response within timeout")
)

// Sender writes a single package to the wire, asynchronously.
type Sender interface {
	Send(wire.Package) error
}

// Handler drives one authentication attempt on channel-active. If no
// credentials are configured, Start immediately reports success —
// the server accepts unauthenticated connections when no credentials
// are configured, so there is nothing to negotiate.
type Handler struct {
	creds   *wire.Credentials
	timeout time.Duration

	correlationID wire.CorrelationID
	resultCh      chan error
}

// NewHandler builds a Handler for one authentication round-trip. creds
// may be nil, meaning no credentials are configured.
func NewHandler(creds *wire.Credentials, timeout time.Duration) *Handler {
	return &Handler{
		creds:         creds,
		timeout:       timeout,
		correlationID: wire.CorrelationID(uuid.New()),
		resultCh:      make(chan error, 1),
	}
}

// Start sends the authenticate package (if credentials are configured)
// and returns immediately; call Await to block for the outcome.
func (h *Handler) Start(sender Sender) error {
	if h.creds == nil {
		h.resultCh <- nil
		return nil
	}
	return sender.Send(wire.Package{
		Command:       wire.CmdAuthenticate,
		CorrelationID: h.correlationID,
		Auth:          h.creds,
	})
}

// CorrelationID identifies the authenticate package this handler is
// waiting on, so the driver's dispatch loop can route the response here.
func (h *Handler) CorrelationID() wire.CorrelationID { return h.correlationID }

// HandleResponse is called by the driver with the package correlated to
// this attempt. Only CmdAuthenticated/CmdNotAuthenticated are meaningful;
// anything else is treated as rejection.
func (h *Handler) HandleResponse(p wire.Package) {
	switch p.Command {
	case wire.CmdAuthenticated:
		h.resultCh <- nil
	case wire.CmdNotAuthenticated:
		h.resultCh <- ErrNotAuthenticated
	default:
		h.resultCh <- ErrNotAuthenticated
	}
}

// Await blocks until the authentication outcome is known or the
// configured timeout elapses.
func (h *Handler) Await() error {
	select {
	case err := <-h.resultCh:
		return err
	case <-time.After(h.timeout):
		return ErrTimeout
	}
}
