package wire

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventcore/esdbclient-go/internal/pool"
)

const maxVectorSize = 1024

// outbound batches pooled frame buffers and flushes them to the
// connection from a single writer goroutine, coalescing concurrent
// Enqueue calls into vectored writes.
type outbound struct {
	sync.Mutex
	v   net.Buffers
	wv  net.Buffers
	wdl time.Duration
	c   *sync.Cond
	pb  int64

	w      io.Writer
	setDL  func(time.Time) error
	closed atomic.Bool
	l      *slog.Logger
}

func newOutbound(w io.Writer, setWriteDeadline func(time.Time) error, wdl time.Duration, l *slog.Logger) *outbound {
	o := &outbound{w: w, setDL: setWriteDeadline, wdl: wdl, l: l}
	o.c = sync.NewCond(&o.Mutex)
	return o
}

// WriteLoop drains queued frames until Close is called. Run it in its
// own goroutine; it owns the only writer of the underlying connection.
func (o *outbound) WriteLoop() {
	waitOK := false
	var closed bool

	for {
		o.Lock()
		if closed = o.isClosed(); !closed {
			if waitOK && o.pb == 0 {
				o.c.Wait()
				closed = o.isClosed()
			}
		}

		if closed {
			o.flush()
			o.Unlock()
			return
		}

		waitOK = o.flush()
		o.Unlock()
	}
}

// Enqueue queues a pooled frame buffer for sending and wakes the writer.
// Ownership of buf transfers to outbound; it is released after flush.
func (o *outbound) Enqueue(buf []byte) {
	if o.isClosed() {
		pool.Put(buf)
		return
	}

	o.Lock()
	o.pb += int64(len(buf))
	o.v = append(o.v, buf)
	o.Unlock()

	o.c.Signal()
}

func (o *outbound) flush() bool {
	defer func() {
		if o.isClosed() {
			for i := range o.wv {
				pool.Put(o.wv[i])
			}
			o.wv = nil
		}
	}()

	if o.w == nil || o.pb == 0 {
		return true
	}

	o.wv = append(o.wv, o.v...)
	o.v = nil

	orig := append(net.Buffers(nil), o.wv...)
	start := time.Now()

	var n int64
	for len(o.wv) > 0 {
		wv := o.wv
		if len(wv) > maxVectorSize {
			wv = wv[:maxVectorSize]
		}
		consumed := len(wv)

		if o.setDL != nil {
			_ = o.setDL(start.Add(o.wdl))
		}
		wn, err := wv.WriteTo(o.w)
		if o.setDL != nil {
			_ = o.setDL(time.Time{})
		}

		n += wn
		o.wv = o.wv[consumed-len(wv):]
		if err != nil {
			if o.l != nil {
				o.l.Error("wire: flush outbound", "err", err)
			}
			break
		}
	}

	for i := 0; i < len(orig)-len(o.wv); i++ {
		pool.Put(orig[i])
	}

	o.pb -= n
	if o.pb > 0 {
		o.c.Signal()
	}
	return true
}

func (o *outbound) isClosed() bool { return o.closed.Load() }

// Close signals the write loop to flush any remaining data and return.
func (o *outbound) Close() {
	o.closed.Store(true)
	o.c.Broadcast()
}
