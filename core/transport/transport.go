// Package transport accepts TCP connections and drives them from a fixed set
// of event loops.
//
// Four transports are available: io_uring and epoll on Linux, kqueue on the
// BSDs and macOS, and nio, a portable fallback on top of the Go runtime
// netpoller. Resolve probes them in that order and picks the first one the
// running kernel supports.
//
// Each event loop is a goroutine locked to its OS thread. A connection is
// owned by the loop that accepted it for its whole life; every Handler
// callback for it runs on that loop and Conn methods must be called from it.
// Other goroutines use EventLoop.Execute to get back onto the loop.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var (
	ErrTransportUnavailable = errors.New("transport: not available on this system")
	ErrUnknownTransport     = errors.New("transport: unknown kind")
	ErrAlreadyBootstrapped  = errors.New("transport: already bootstrapped")
	ErrServerClosed         = errors.New("transport: server closed")
	ErrIdleTimeout          = errors.New("transport: idle timeout")
)

// Conn is one accepted connection. All methods must be called on the owning
// loop.
type Conn interface {
	ID() uint64
	Loop() EventLoop
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Write queues b for sending. b may be reused once Write returns; bytes
	// go out in call order.
	Write(b []byte)
	// Pending returns the number of queued bytes not yet handed to the kernel.
	Pending() int
	// SetReadEnabled pauses or resumes reading from the peer.
	SetReadEnabled(enabled bool)
	// Close flushes queued output, then closes the connection.
	Close()
	// Abort closes the connection at once, dropping queued output.
	Abort(err error)
}

// Handler receives the events of one connection.
type Handler interface {
	OnOpen(c Conn)
	// OnData delivers received bytes. data is only valid during the call.
	OnData(c Conn, data []byte)
	// OnEOF fires once when the peer shut down its sending side. Reading
	// stops, writing still works; the handler closes the connection when
	// it is done answering.
	OnEOF(c Conn)
	// OnDrain fires when queued output has been fully flushed.
	OnDrain(c Conn)
	// OnClose fires exactly once. err is nil when the peer closed cleanly or
	// Close was called.
	OnClose(c Conn, err error)
}

// ChildInitializer creates the handler for a newly accepted connection.
type ChildInitializer func(c Conn) Handler

// EventLoop is one worker of an event loop group.
type EventLoop interface {
	// ID is the loop number, starting at 1.
	ID() int
	// Execute runs fn on the loop. It returns false once the loop stopped.
	Execute(fn func()) bool
}

// ServerBuilder describes the server to bootstrap.
type ServerBuilder struct {
	Host        string
	Port        int
	Child       ChildInitializer
	OnBind      func(addr net.Addr)
	IdleTimeout time.Duration
}

// Server is a bound, running server.
type Server interface {
	Addr() net.Addr
	// Close stops accepting, closes every connection and waits for the loops
	// to exit.
	Close() error
	Done() <-chan struct{}
}

// Transport is a resolved transport implementation.
type Transport interface {
	Kind() Kind
	EventLoopGroup() *Group
	ChannelType() string
	ReusePort() bool
	Bootstrap(ctx context.Context, b ServerBuilder) (Server, error)
}

// Group describes the event loops of a transport. Loops are created by
// Bootstrap.
type Group struct {
	size  int
	loops []EventLoop
}

func newGroup(size int) *Group {
	return &Group{size: size}
}

// Size returns the number of event loops.
func (g *Group) Size() int {
	return g.size
}

// Loops returns the running loops, empty before Bootstrap.
func (g *Group) Loops() []EventLoop {
	return g.loops
}

func (b *ServerBuilder) defaults() {
	if b.Host == "" {
		b.Host = "localhost"
	}
}

func (b *ServerBuilder) address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

func watchContext(ctx context.Context, s Server, log *zap.Logger) {
	select {
	case <-ctx.Done():
		log.Debug("context done, closing server", zap.Error(ctx.Err()))
		_ = s.Close()
	case <-s.Done():
	}
}
