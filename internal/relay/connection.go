package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"vis-service/internal/eventloop"
	"vis-service/internal/feed"
	"vis-service/internal/monitor"

	"github.com/google/uuid"
)

// ClientStats is a point-in-time view of one connection
type ClientStats struct {
	ID              string    `json:"id"`
	RemoteAddr      string    `json:"remoteAddr"`
	ConnectedAt     time.Time `json:"connectedAt"`
	BytesIn         uint64    `json:"bytesIn"`
	BytesOut        uint64    `json:"bytesOut"`
	PendingOutbound int       `json:"pendingOutbound"`
	WritePending    bool      `json:"writePending"`
	Closed          bool      `json:"closed"`
}

type connectionOptions struct {
	readBufferSize int
	writeTimeout   time.Duration
	retryInterval  time.Duration
	logger         *slog.Logger
	hooks          *monitor.Hooks
}

// Connection serves one accepted client. It is Active until the peer goes
// away, a write fails or the server closes it; then it is Closed for good.
//
// All fields below the goroutine plumbing are owned by the event loop. The
// reader and writer goroutines only do blocking socket calls and post the
// results back to the loop.
type Connection struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	connectedAt time.Time

	loop     *eventloop.Loop
	protocol Protocol
	logger   *slog.Logger
	hooks    *monitor.Hooks

	readBufferSize int
	writeTimeout   time.Duration
	retryInterval  time.Duration

	// goroutine plumbing
	ctx      context.Context
	cancel   context.CancelFunc
	resume   chan struct{}
	writeReq chan []byte
	wg       sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	// loop-owned
	inbound       []byte
	outbound      []byte
	writing       bool // a snapshot of outbound is with the writer goroutine
	writePending  bool // outbound holds bytes not yet accepted by the socket
	hangupPending bool // peer sent EOF; close once outbound is flushed
	retry         *eventloop.Timer
	bytesIn       uint64
	bytesOut      uint64
}

func newConnection(conn net.Conn, loop *eventloop.Loop, state *feed.State, factory ProtocolFactory, opts connectionOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:             uuid.New().String(),
		conn:           conn,
		remoteAddr:     conn.RemoteAddr().String(),
		connectedAt:    time.Now(),
		loop:           loop,
		protocol:       factory(state),
		hooks:          opts.hooks,
		readBufferSize: opts.readBufferSize,
		writeTimeout:   opts.writeTimeout,
		retryInterval:  opts.retryInterval,
		ctx:            ctx,
		cancel:         cancel,
		resume:         make(chan struct{}, 1),
		writeReq:       make(chan []byte, 1),
	}
	c.logger = opts.logger.With("client_id", c.id, "remote_addr", c.remoteAddr)
	c.retry = loop.NewTimer(c.scheduleWrite)
	return c
}

func (c *Connection) ID() string {
	return c.id
}

// IsClosed has no side effects and may be called from any goroutine
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Close forces the connection into Closed and releases the socket.
// Safe to call more than once. Must be called on the event loop.
func (c *Connection) Close() {
	c.shutdown("closed by server")
}

// Stats must be called on the event loop
func (c *Connection) Stats() ClientStats {
	return ClientStats{
		ID:              c.id,
		RemoteAddr:      c.remoteAddr,
		ConnectedAt:     c.connectedAt,
		BytesIn:         c.bytesIn,
		BytesOut:        c.bytesOut,
		PendingOutbound: len(c.outbound),
		WritePending:    c.writePending,
		Closed:          c.IsClosed(),
	}
}

func (c *Connection) start() {
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
	c.logger.Debug("Client connection started")
}

// wait blocks until both I/O goroutines have returned. Only meaningful after
// the connection is closed.
func (c *Connection) wait() {
	c.wg.Wait()
}

// readPump keeps at most one chunk in flight: after posting a chunk it waits
// until the loop has flushed the response before reading again.
func (c *Connection) readPump() {
	defer c.wg.Done()

	buf := make([]byte, c.readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !c.loop.Submit(func() { c.onInput(chunk) }) {
				return
			}

			select {
			case <-c.resume:
			case <-c.ctx.Done():
				return
			}
		}
		if err != nil {
			c.loop.Submit(func() { c.onReadError(err) })
			return
		}
	}
}

func (c *Connection) writePump() {
	defer c.wg.Done()

	for {
		select {
		case data := <-c.writeReq:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.loop.Submit(func() { c.onWritten(0, err) })
				continue
			}
			n, err := c.conn.Write(data)
			if !c.loop.Submit(func() { c.onWritten(n, err) }) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) onInput(chunk []byte) {
	if c.IsClosed() {
		return
	}
	c.bytesIn += uint64(len(chunk))
	c.inbound = append(c.inbound, chunk...)

	consumed, out, err := c.protocol.Handle(c.inbound)
	if err != nil {
		c.logger.Warn("Protocol error", "error", err)
	}
	if consumed > len(c.inbound) {
		consumed = len(c.inbound)
	}
	if consumed > 0 {
		c.inbound = append(c.inbound[:0], c.inbound[consumed:]...)
	}

	if len(out) == 0 {
		c.resumeReader()
		return
	}
	c.outbound = append(c.outbound, out...)
	c.writePending = true
	c.scheduleWrite()
}

// scheduleWrite hands the pending outbound bytes to the writer goroutine
func (c *Connection) scheduleWrite() {
	if c.IsClosed() || c.writing || len(c.outbound) == 0 {
		return
	}
	c.writing = true
	c.writeReq <- c.outbound
}

func (c *Connection) onWritten(n int, err error) {
	c.writing = false
	if c.IsClosed() {
		return
	}

	if n > 0 {
		c.bytesOut += uint64(n)
		c.outbound = c.outbound[n:]
	}

	switch {
	case err == nil && len(c.outbound) == 0:
		c.outbound = nil
		c.writePending = false
		if c.hangupPending {
			c.shutdown("hangup")
			return
		}
		c.resumeReader()

	case err == nil || IsWouldBlock(err):
		// back-pressure: keep the remainder and try again later
		c.logger.Debug("Client write would block", "written", n, "remaining", len(c.outbound))
		c.retry.Schedule(c.retryInterval)

	default:
		if IsClosedError(err) {
			c.logger.Info("Client gone while writing", "error", err)
		} else {
			c.logger.Warn("Client write failed", "error", err)
		}
		c.hooks.Trigger(monitor.Event{
			Type:         monitor.EventWriteError,
			ConnectionID: c.id,
			RemoteAddr:   c.remoteAddr,
			Message:      "write failed",
			Error:        err.Error(),
		})
		c.shutdown("write error")
	}
}

func (c *Connection) onReadError(err error) {
	if c.IsClosed() {
		return
	}

	if !IsClosedError(err) {
		c.logger.Warn("Client read failed", "error", err)
		c.shutdown("read error")
		return
	}

	c.logger.Info("Client hung up")
	c.hooks.Trigger(monitor.Event{
		Type:         monitor.EventHangup,
		ConnectionID: c.id,
		RemoteAddr:   c.remoteAddr,
		Message:      "client hung up",
	})

	if c.writePending {
		c.hangupPending = true
		return
	}
	c.shutdown("hangup")
}

func (c *Connection) resumeReader() {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

func (c *Connection) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.retry.Cancel()
		c.writePending = false
		c.outbound = nil
		c.inbound = nil

		if err := c.conn.Close(); err != nil && !IsClosedError(err) {
			c.logger.Debug("Error closing client socket", "error", err)
		}
		c.logger.Debug("Client connection closed", "reason", reason,
			"bytes_in", c.bytesIn, "bytes_out", c.bytesOut)
	})
}
