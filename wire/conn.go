package wire

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventcore/esdbclient-go/internal/pool"
)

var ErrConnClosed = errors.New("wire: connection closed")

// Handler receives packages parsed off the wire and reports terminal
// read errors. Both are invoked from the single read-loop goroutine —
// implementations must not block it for long.
type Handler interface {
	OnPackage(Package)
	OnClosed(error)
}

// Conn is one physical TCP (optionally TLS) connection to a server
// node. It owns the only reader and the only writer of the underlying
// socket, enforcing single-writer discipline on the connection.
type Conn struct {
	nc  net.Conn
	out *outbound

	readTimeout time.Duration
	writeDeadl  time.Duration

	handler Handler
	l       *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
}

// DialOptions configures Dial.
type DialOptions struct {
	TLS           TLSSettings
	ConnectTimeout time.Duration
	WriteDeadline  time.Duration
	Logger         *slog.Logger
}

// Dial opens a TCP connection to addr, optionally wrapping it in TLS
// per opts.TLS, and starts the write loop. The caller must call
// StartReading with a Handler before packages will be delivered.
func Dial(addr string, opts DialOptions) (*Conn, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var nc net.Conn
	var err error

	tlsConf, err := buildTLSConfig(opts.TLS)
	if err != nil {
		return nil, err
	}

	if tlsConf != nil {
		dialer := &net.Dialer{Timeout: timeout}
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConf)
	} else {
		nc, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}

	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}

	wdl := opts.WriteDeadline
	if wdl <= 0 {
		wdl = 5 * time.Second
	}

	return newConn(nc, wdl, l), nil
}

// Accept wraps an already-established net.Conn (typically from
// net.Listener.Accept) as a Conn, for the server side of the same
// framing protocol Dial speaks for the client side.
func Accept(nc net.Conn, writeDeadline time.Duration, logger *slog.Logger) *Conn {
	if writeDeadline <= 0 {
		writeDeadline = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return newConn(nc, writeDeadline, logger)
}

func newConn(nc net.Conn, wdl time.Duration, l *slog.Logger) *Conn {
	c := &Conn{
		nc:         nc,
		writeDeadl: wdl,
		l:          l,
	}
	c.out = newOutbound(nc, nc.SetWriteDeadline, wdl, l)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.out.WriteLoop()
	}()

	return c
}

// StartReading launches the read loop, delivering parsed packages to
// handler until the connection closes or a protocol error occurs.
func (c *Conn) StartReading(handler Handler) {
	c.handler = handler
	c.wg.Add(1)
	go c.readLoop()
}

// Send enqueues a package for asynchronous delivery. Returns an error
// only for encode failures (oversized frame, oversized credentials) or
// ErrConnClosed once the connection is closed; network errors surface
// through Handler.OnClosed.
func (c *Conn) Send(p Package) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	c.out.Enqueue(buf)
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	var lenBuf [LengthPrefixSize]byte
	for {
		if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
			c.reportClosed(err)
			return
		}

		frameLen := binary.LittleEndian.Uint32(lenBuf[:])
		if err := ValidateFrameLength(frameLen); err != nil {
			c.reportClosed(err)
			return
		}

		body := pool.Get(int(frameLen))
		body = body[:frameLen]
		if _, err := io.ReadFull(c.nc, body); err != nil {
			pool.Put(body)
			c.reportClosed(err)
			return
		}

		pkg, err := DecodeBody(body)
		if err != nil {
			pool.Put(body)
			c.reportClosed(err)
			return
		}
		// Payload aliases body; copy it out before returning body to
		// the pool so the handler can retain the package safely.
		if len(pkg.Payload) > 0 {
			owned := make([]byte, len(pkg.Payload))
			copy(owned, pkg.Payload)
			pkg.Payload = owned
		}
		pool.Put(body)

		if c.handler != nil {
			c.handler.OnPackage(pkg)
		}
	}
}

func (c *Conn) reportClosed(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.out.Close()
	if c.handler != nil {
		if errors.Is(err, io.EOF) {
			err = ErrConnClosed
		}
		c.handler.OnClosed(err)
	}
}

// Close tears down the connection and waits for both loops to exit.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.out.Close()
	}
	err := c.nc.Close()
	c.wg.Wait()
	return err
}
