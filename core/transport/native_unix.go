//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	maxEvents      = 1024
	readBufferSize = 64 << 10
	acceptBatch    = 128
	pollTimeout    = 100 // ms
	sweepInterval  = time.Second
)

// nativeTransport drives connections from raw descriptors with a Poller per
// event loop.
type nativeTransport struct {
	kind    Kind
	group   *Group
	log     *zap.Logger
	started atomic.Bool
}

func newNativeTransport(kind Kind, opts Options) (Transport, error) {
	if !nativeAvailable(kind) {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnavailable, kind)
	}
	return &nativeTransport{
		kind:  kind,
		group: newGroup(opts.EventLoops),
		log:   opts.Logger.With(zap.String("transport", string(kind))),
	}, nil
}

func (t *nativeTransport) Kind() Kind             { return t.kind }
func (t *nativeTransport) EventLoopGroup() *Group { return t.group }
func (t *nativeTransport) ChannelType() string    { return channelType(t.kind) }
func (t *nativeTransport) ReusePort() bool        { return reusePort(t.kind) }

// Bootstrap binds the listener(s) and starts the loops. With SO_REUSEPORT
// every loop gets its own listening socket on the same port; otherwise all
// loops share one.
func (t *nativeTransport) Bootstrap(ctx context.Context, b ServerBuilder) (Server, error) {
	if !t.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyBootstrapped
	}
	b.defaults()
	if b.Child == nil {
		return nil, errors.New("transport: ServerBuilder.Child is nil")
	}

	s := &nativeServer{log: t.log, done: make(chan struct{})}
	fail := func(err error) (Server, error) {
		for _, l := range s.loops {
			l.release()
		}
		for _, fd := range s.listeners {
			unix.Close(fd)
		}
		return nil, err
	}

	host, port := b.Host, b.Port
	count := 1
	if t.ReusePort() {
		count = t.group.size
	}
	for i := 0; i < count; i++ {
		fd, addr, err := listenFD(ctx, net.JoinHostPort(host, strconv.Itoa(port)), t.ReusePort())
		if err != nil {
			return fail(fmt.Errorf("transport: listen %s: %w", b.address(), err))
		}
		if i == 0 {
			s.addr = addr
			// the first bind decides an ephemeral port for the others
			if tcp, ok := addr.(*net.TCPAddr); ok {
				port = tcp.Port
			}
		}
		s.listeners = append(s.listeners, fd)
	}

	for i := 0; i < t.group.size; i++ {
		l, err := newNativeLoop(i+1, t.kind, b, s)
		if err != nil {
			return fail(err)
		}
		s.loops = append(s.loops, l)
		lfd := s.listeners[i%len(s.listeners)]
		if err := l.poller.Add(lfd, true, false); err != nil {
			return fail(fmt.Errorf("transport: register listener: %w", err))
		}
		l.listeners = append(l.listeners, lfd)
	}

	loops := make([]EventLoop, len(s.loops))
	for i, l := range s.loops {
		loops[i] = l
		s.wg.Add(1)
		go l.run()
	}
	t.group.loops = loops

	t.log.Info("server bound",
		zap.Stringer("addr", s.addr),
		zap.Int("listeners", len(s.listeners)),
		zap.Int("event_loops", len(s.loops)),
	)
	if b.OnBind != nil {
		b.OnBind(s.addr)
	}
	go watchContext(ctx, s, t.log)
	return s, nil
}

type nativeServer struct {
	addr      net.Addr
	loops     []*nativeLoop
	listeners []int
	log       *zap.Logger
	nextID    atomic.Uint64
	wg        sync.WaitGroup
	once      sync.Once
	done      chan struct{}
}

func (s *nativeServer) Addr() net.Addr         { return s.addr }
func (s *nativeServer) Done() <-chan struct{} { return s.done }

func (s *nativeServer) Close() error {
	s.once.Do(func() {
		for _, l := range s.loops {
			l.stop()
		}
		s.wg.Wait()
		for _, fd := range s.listeners {
			unix.Close(fd)
		}
		s.log.Info("server closed", zap.Stringer("addr", s.addr))
		close(s.done)
	})
	return nil
}

type nativeLoop struct {
	id     int
	b      ServerBuilder
	server *nativeServer
	log    *zap.Logger

	poller    Poller
	events    []Event
	wakeR     int
	wakeW     int
	listeners []int
	conns     map[int]*nativeConn
	readBuf   []byte
	deferred  []func()
	lastSweep time.Time

	mu      sync.Mutex
	tasks   []func()
	spare   []func()
	woken   atomic.Bool
	stopped atomic.Bool
}

func newNativeLoop(id int, kind Kind, b ServerBuilder, s *nativeServer) (*nativeLoop, error) {
	p, err := newPoller(kind)
	if err != nil {
		return nil, fmt.Errorf("transport: create %s poller: %w", kind, err)
	}
	r, w, err := newWakePipe()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("transport: wake pipe: %w", err)
	}
	l := &nativeLoop{
		id:      id,
		b:       b,
		server:  s,
		log:     s.log.With(zap.Int("loop", id)),
		poller:  p,
		events:  make([]Event, maxEvents),
		wakeR:   r,
		wakeW:   w,
		conns:   make(map[int]*nativeConn),
		readBuf: make([]byte, readBufferSize),
	}
	if err := p.Add(r, true, false); err != nil {
		l.release()
		return nil, fmt.Errorf("transport: register wake pipe: %w", err)
	}
	return l, nil
}

func (l *nativeLoop) ID() int { return l.id }

// Execute queues fn to run on the loop. A task queued while the loop is
// stopping may be dropped.
func (l *nativeLoop) Execute(fn func()) bool {
	if l.stopped.Load() {
		return false
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
	return true
}

func (l *nativeLoop) wake() {
	if l.woken.CompareAndSwap(false, true) {
		_, _ = unix.Write(l.wakeW, []byte{1})
	}
}

func (l *nativeLoop) stop() {
	if l.stopped.CompareAndSwap(false, true) {
		l.woken.Store(false)
		l.wake()
	}
}

func (l *nativeLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer l.server.wg.Done()
	defer l.shutdown()

	l.lastSweep = time.Now()
	for !l.stopped.Load() {
		n, err := l.poller.Wait(pollTimeout, l.events)
		if err != nil {
			l.log.Error("poller wait failed", zap.Error(err))
			if errors.Is(err, unix.EBADF) {
				return
			}
			continue
		}
		for i := 0; i < n; i++ {
			l.handle(l.events[i])
		}
		l.runTasks()
		l.sweep(time.Now())
	}
}

func (l *nativeLoop) handle(ev Event) {
	if ev.Fd == l.wakeR {
		l.drainWake()
		return
	}
	for _, lfd := range l.listeners {
		if ev.Fd == lfd {
			l.accept(lfd)
			return
		}
	}

	c := l.conns[ev.Fd]
	if c == nil {
		return
	}
	if ev.Writable && c.writeArmed {
		c.flush()
		if c.closed {
			return
		}
	}
	switch {
	case ev.Readable && c.readEnabled && !c.closing && !c.eof:
		c.read()
	case ev.Hangup:
		c.closeNow(unix.ECONNRESET)
	}
}

func (l *nativeLoop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	l.woken.Store(false)
}

func (l *nativeLoop) accept(lfd int) {
	for i := 0; i < acceptBatch; i++ {
		fd, sa, err := acceptNonblock(lfd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				l.log.Warn("accept: out of file descriptors", zap.Error(err))
			default:
				l.log.Error("accept failed", zap.Error(err))
			}
			return
		}
		tuneConn(fd)
		if err := l.poller.Add(fd, true, false); err != nil {
			l.log.Error("register connection", zap.Int("fd", fd), zap.Error(err))
			unix.Close(fd)
			continue
		}

		c := &nativeConn{
			id:          l.server.nextID.Add(1),
			fd:          fd,
			loop:        l,
			local:       localAddr(fd),
			remote:      sockaddrToAddr(sa),
			readEnabled: true,
			lastActive:  time.Now(),
		}
		l.conns[fd] = c
		c.handler = l.b.Child(c)
		c.handler.OnOpen(c)
	}
}

func (l *nativeLoop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = l.spare[:0]
	l.mu.Unlock()

	for i, fn := range tasks {
		fn()
		tasks[i] = nil
	}
	l.spare = tasks

	for len(l.deferred) > 0 {
		fns := l.deferred
		l.deferred = nil
		for _, fn := range fns {
			fn()
		}
	}
}

// sweep closes connections that saw no traffic for IdleTimeout
func (l *nativeLoop) sweep(now time.Time) {
	if l.b.IdleTimeout <= 0 || now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for _, c := range l.conns {
		if now.Sub(c.lastActive) > l.b.IdleTimeout {
			c.closeNow(ErrIdleTimeout)
		}
	}
}

func (l *nativeLoop) shutdown() {
	for _, c := range l.conns {
		c.closeNow(ErrServerClosed)
	}
	for _, lfd := range l.listeners {
		_ = l.poller.Remove(lfd)
	}
	l.release()
}

func (l *nativeLoop) release() {
	l.poller.Close()
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
}

type nativeConn struct {
	id      uint64
	fd      int
	loop    *nativeLoop
	handler Handler
	local   net.Addr
	remote  net.Addr

	out         *bytebufferpool.ByteBuffer
	off         int
	readEnabled bool
	writeArmed  bool
	eof         bool
	closing     bool
	closed      bool
	failed      bool
	lastActive  time.Time
}

func (c *nativeConn) ID() uint64           { return c.id }
func (c *nativeConn) Loop() EventLoop      { return c.loop }
func (c *nativeConn) LocalAddr() net.Addr  { return c.local }
func (c *nativeConn) RemoteAddr() net.Addr { return c.remote }

func (c *nativeConn) Pending() int {
	if c.out == nil {
		return 0
	}
	return len(c.out.B) - c.off
}

// Write tries the socket first and buffers whatever the kernel did not take.
// Write errors close the connection once the current callback returns.
func (c *nativeConn) Write(b []byte) {
	if c.closed || c.closing || c.failed || len(b) == 0 {
		return
	}
	c.lastActive = time.Now()
	if c.Pending() == 0 {
		n, err := writeFD(c.fd, b)
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			c.fail(err)
			return
		}
		if n == len(b) {
			return
		}
		b = b[n:]
	}
	if c.out == nil {
		c.out = bytebufferpool.Get()
	}
	c.out.B = append(c.out.B, b...)
	c.armWrite(true)
}

func writeFD(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Write(fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (c *nativeConn) fail(err error) {
	c.failed = true
	c.loop.deferred = append(c.loop.deferred, func() { c.closeNow(err) })
}

func (c *nativeConn) flush() {
	for c.Pending() > 0 {
		n, err := writeFD(c.fd, c.out.B[c.off:])
		if errors.Is(err, unix.EAGAIN) {
			c.compact()
			return
		}
		if err != nil {
			c.closeNow(err)
			return
		}
		c.off += n
	}
	if c.out != nil {
		bytebufferpool.Put(c.out)
		c.out, c.off = nil, 0
	}
	c.armWrite(false)
	if c.closing {
		c.closeNow(nil)
		return
	}
	c.handler.OnDrain(c)
}

func (c *nativeConn) compact() {
	if c.off > readBufferSize && c.off*2 > len(c.out.B) {
		n := copy(c.out.B, c.out.B[c.off:])
		c.out.B = c.out.B[:n]
		c.off = 0
	}
}

func (c *nativeConn) read() {
	n, err := unix.Read(c.fd, c.loop.readBuf)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		c.closeNow(err)
		return
	case n == 0:
		c.eof = true
		c.update()
		c.handler.OnEOF(c)
		return
	}
	c.lastActive = time.Now()
	c.handler.OnData(c, c.loop.readBuf[:n])
}

func (c *nativeConn) armWrite(on bool) {
	if c.closed || c.writeArmed == on {
		return
	}
	c.writeArmed = on
	c.update()
}

func (c *nativeConn) SetReadEnabled(enabled bool) {
	if c.closed || c.readEnabled == enabled {
		return
	}
	c.readEnabled = enabled
	c.update()
}

func (c *nativeConn) update() {
	if err := c.loop.poller.Modify(c.fd, c.readEnabled && !c.closing && !c.eof, c.writeArmed); err != nil {
		c.loop.log.Debug("modify interest", zap.Uint64("conn", c.id), zap.Error(err))
	}
}

func (c *nativeConn) Close() {
	if c.closed || c.closing {
		return
	}
	if c.Pending() == 0 {
		c.closeNow(nil)
		return
	}
	c.closing = true
	c.update()
}

// Abort closes at once. OnClose runs before Abort returns.
func (c *nativeConn) Abort(err error) {
	c.closeNow(err)
}

func (c *nativeConn) closeNow(err error) {
	if c.closed {
		return
	}
	c.closed = true
	l := c.loop
	_ = l.poller.Remove(c.fd)
	unix.Close(c.fd)
	delete(l.conns, c.fd)
	if c.out != nil {
		bytebufferpool.Put(c.out)
		c.out, c.off = nil, 0
	}
	c.handler.OnClose(c, err)
}
