// Package testserver is an in-process fake speaking the real wire
// framing, for integration tests that need something to dial without
// standing up an actual event-store node.
package testserver

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eventcore/esdbclient-go/wire"
)

// Handler reacts to one accepted connection's packages; Run installs it
// on every accepted connection through a connRouter.
type Handler func(conn *wire.Conn, p wire.Package)

// Server accepts TCP connections on an ephemeral local port and hands
// each one, framed via wire.Accept, to a caller-supplied handler.
type Server struct {
	ln      net.Listener
	handler Handler

	mu    sync.Mutex
	conns []*wire.Conn
	done  chan struct{}
}

// Run starts listening on 127.0.0.1:0 and accepting connections in the
// background until Close is called. handler is invoked once per
// received package, from that connection's own read-loop goroutine.
func Run(handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, handler: handler, done: make(chan struct{})}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the address to Dial against.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		conn := wire.Accept(nc, 5*time.Second, slog.Default())
		h := &connRouter{server: s, conn: conn}
		conn.StartReading(h)

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	}
}

type connRouter struct {
	server *Server
	conn   *wire.Conn
}

func (r *connRouter) OnPackage(p wire.Package) {
	if r.server.handler != nil {
		r.server.handler(r.conn, p)
	}
}

func (r *connRouter) OnClosed(error) {}

// Close stops accepting new connections and closes every connection
// accepted so far.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return err
}
