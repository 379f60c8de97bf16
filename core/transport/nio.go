package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

const nioReadBufferSize = 32 << 10

// nioTransport runs on the Go runtime netpoller. Each connection gets a
// reader and a writer goroutine; all Handler callbacks still run on the
// owning loop, so it behaves like the native transports.
type nioTransport struct {
	group   *Group
	log     *zap.Logger
	started atomic.Bool
}

func newNIOTransport(opts Options) Transport {
	return &nioTransport{
		group: newGroup(opts.EventLoops),
		log:   opts.Logger.With(zap.String("transport", string(NIO))),
	}
}

func (t *nioTransport) Kind() Kind             { return NIO }
func (t *nioTransport) EventLoopGroup() *Group { return t.group }
func (t *nioTransport) ChannelType() string    { return "NioServerSocketChannel" }
func (t *nioTransport) ReusePort() bool        { return false }

func (t *nioTransport) Bootstrap(ctx context.Context, b ServerBuilder) (Server, error) {
	if !t.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyBootstrapped
	}
	b.defaults()
	if b.Child == nil {
		return nil, errors.New("transport: ServerBuilder.Child is nil")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", b.address())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", b.address(), err)
	}

	s := &nioServer{ln: ln, log: t.log, done: make(chan struct{})}
	loops := make([]EventLoop, t.group.size)
	for i := range loops {
		l := &nioLoop{
			id:     i + 1,
			b:      b,
			server: s,
			notify: make(chan struct{}, 1),
			quit:   make(chan struct{}),
			conns:  make(map[uint64]*nioConn),
		}
		s.loops = append(s.loops, l)
		loops[i] = l
		s.wg.Add(1)
		go l.run()
	}
	t.group.loops = loops

	s.acceptDone = make(chan struct{})
	go s.acceptLoop()

	t.log.Info("server bound", zap.Stringer("addr", ln.Addr()), zap.Int("event_loops", len(loops)))
	if b.OnBind != nil {
		b.OnBind(ln.Addr())
	}
	go watchContext(ctx, s, t.log)
	return s, nil
}

type nioServer struct {
	ln         net.Listener
	loops      []*nioLoop
	log        *zap.Logger
	nextID     atomic.Uint64
	wg         sync.WaitGroup
	once       sync.Once
	acceptDone chan struct{}
	done       chan struct{}
}

func (s *nioServer) Addr() net.Addr         { return s.ln.Addr() }
func (s *nioServer) Done() <-chan struct{} { return s.done }

func (s *nioServer) Close() error {
	s.once.Do(func() {
		_ = s.ln.Close()
		<-s.acceptDone
		for _, l := range s.loops {
			l.stop()
		}
		s.wg.Wait()
		s.log.Info("server closed", zap.Stringer("addr", s.ln.Addr()))
		close(s.done)
	})
	return nil
}

// acceptLoop hands accepted connections to the loops round-robin
func (s *nioServer) acceptLoop() {
	defer close(s.acceptDone)
	var delay time.Duration
	next := 0
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// back off like net/http on transient accept errors
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		l := s.loops[next%len(s.loops)]
		next++
		if !l.Execute(func() { l.open(nc) }) {
			_ = nc.Close()
		}
	}
}

type nioLoop struct {
	id     int
	b      ServerBuilder
	server *nioServer

	mu      sync.Mutex
	tasks   []func()
	spare   []func()
	notify  chan struct{}
	quit    chan struct{}
	stopped atomic.Bool

	conns map[uint64]*nioConn
}

func (l *nioLoop) ID() int { return l.id }

func (l *nioLoop) Execute(fn func()) bool {
	if l.stopped.Load() {
		return false
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

func (l *nioLoop) stop() {
	if l.stopped.CompareAndSwap(false, true) {
		close(l.quit)
	}
}

func (l *nioLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer l.server.wg.Done()

	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.notify:
			l.runTasks()
		case now := <-ticker.C:
			l.sweep(now)
		case <-l.quit:
			l.runTasks()
			for _, c := range l.conns {
				c.closeNow(ErrServerClosed)
			}
			return
		}
	}
}

const sweepEvery = time.Second

func (l *nioLoop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = l.spare[:0]
	l.mu.Unlock()

	for i, fn := range tasks {
		fn()
		tasks[i] = nil
	}
	l.spare = tasks
}

func (l *nioLoop) sweep(now time.Time) {
	if l.b.IdleTimeout <= 0 {
		return
	}
	for _, c := range l.conns {
		if now.Sub(c.lastActive) > l.b.IdleTimeout {
			c.closeNow(ErrIdleTimeout)
		}
	}
}

func (l *nioLoop) open(nc net.Conn) {
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}
	c := &nioConn{
		id:          l.server.nextID.Add(1),
		loop:        l,
		nc:          nc,
		readEnabled: true,
		lastActive:  time.Now(),
		gate:        make(chan struct{}, 1),
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
	l.conns[c.id] = c
	c.handler = l.b.Child(c)
	c.handler.OnOpen(c)
	if c.closed {
		return
	}
	go c.readLoop()
	go c.writeLoop()
}

type nioConn struct {
	id      uint64
	loop    *nioLoop
	nc      net.Conn
	handler Handler

	// owned by the loop
	pending     int
	readEnabled bool
	readParked  bool
	eof         bool
	closing     bool
	closed      bool
	lastActive  time.Time

	mu    sync.Mutex
	queue []*bytebufferpool.ByteBuffer

	gate chan struct{}
	wake chan struct{}
	quit chan struct{}
}

func (c *nioConn) ID() uint64           { return c.id }
func (c *nioConn) Loop() EventLoop      { return c.loop }
func (c *nioConn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }
func (c *nioConn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
func (c *nioConn) Pending() int         { return c.pending }

// readLoop keeps at most one buffer in flight: after handing data to the
// loop it waits for the gate before reading again.
func (c *nioConn) readLoop() {
	buf := make([]byte, nioReadBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !c.loop.Execute(func() { c.onData(data) }) {
				return
			}
			select {
			case <-c.gate:
			case <-c.quit:
				return
			}
		}
		if err != nil {
			c.loop.Execute(func() { c.onReadError(err) })
			return
		}
	}
}

func (c *nioConn) writeLoop() {
	var bufs net.Buffers
	for {
		select {
		case <-c.wake:
		case <-c.quit:
			c.release()
			return
		}
		c.mu.Lock()
		queue := c.queue
		c.queue = nil
		c.mu.Unlock()
		if len(queue) == 0 {
			continue
		}

		bufs = bufs[:0]
		total := 0
		for _, bb := range queue {
			bufs = append(bufs, bb.B)
			total += len(bb.B)
		}
		_, err := bufs.WriteTo(c.nc)
		for _, bb := range queue {
			bytebufferpool.Put(bb)
		}
		c.loop.Execute(func() { c.onWritten(total, err) })
		if err != nil {
			return
		}
	}
}

func (c *nioConn) release() {
	c.mu.Lock()
	for _, bb := range c.queue {
		bytebufferpool.Put(bb)
	}
	c.queue = nil
	c.mu.Unlock()
}

func (c *nioConn) onData(data []byte) {
	if c.closed {
		return
	}
	c.lastActive = time.Now()
	c.handler.OnData(c, data)
	if c.closed {
		return
	}
	if c.readEnabled && !c.closing {
		c.gate <- struct{}{}
	} else {
		c.readParked = true
	}
}

func (c *nioConn) onReadError(err error) {
	if c.closed {
		return
	}
	if errors.Is(err, io.EOF) {
		c.eof = true
		c.handler.OnEOF(c)
		return
	}
	c.closeNow(err)
}

func (c *nioConn) onWritten(n int, err error) {
	if c.closed {
		return
	}
	if err != nil {
		c.closeNow(err)
		return
	}
	c.pending -= n
	if c.pending > 0 {
		return
	}
	if c.closing {
		c.closeNow(nil)
		return
	}
	c.handler.OnDrain(c)
}

func (c *nioConn) Write(b []byte) {
	if c.closed || c.closing || len(b) == 0 {
		return
	}
	c.lastActive = time.Now()
	bb := bytebufferpool.Get()
	bb.B = append(bb.B[:0], b...)
	c.mu.Lock()
	c.queue = append(c.queue, bb)
	c.mu.Unlock()
	c.pending += len(b)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *nioConn) SetReadEnabled(enabled bool) {
	if c.closed || c.readEnabled == enabled {
		return
	}
	c.readEnabled = enabled
	if enabled && c.readParked && !c.closing && !c.eof {
		c.readParked = false
		c.gate <- struct{}{}
	}
}

func (c *nioConn) Close() {
	if c.closed || c.closing {
		return
	}
	if c.pending == 0 {
		c.closeNow(nil)
		return
	}
	c.closing = true
}

// Abort closes at once. OnClose runs before Abort returns.
func (c *nioConn) Abort(err error) {
	c.closeNow(err)
}

func (c *nioConn) closeNow(err error) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.quit)
	_ = c.nc.Close()
	delete(c.loop.conns, c.id)
	c.handler.OnClose(c, err)
}
