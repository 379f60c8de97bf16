//go:build linux

package transport

import (
	"sync"

	"golang.org/x/sys/unix"
)

var (
	uringProbe = sync.OnceValue(uringSupported)
	epollProbe = sync.OnceValue(func() bool {
		fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
		if err != nil {
			return false
		}
		unix.Close(fd)
		return true
	})
)

func nativeAvailable(kind Kind) bool {
	switch kind {
	case IOUring:
		return uringProbe()
	case Epoll:
		return epollProbe()
	}
	return false
}

func newPoller(kind Kind) (Poller, error) {
	switch kind {
	case IOUring:
		return NewUringPoller()
	case Epoll:
		return NewEpollPoller()
	}
	return nil, ErrTransportUnavailable
}

// Only epoll gives every loop its own SO_REUSEPORT listener; the kernel then
// balances new connections across loops.
func reusePort(kind Kind) bool {
	return kind == Epoll
}

func channelType(kind Kind) string {
	if kind == IOUring {
		return "IOUringServerSocketChannel"
	}
	return "EpollServerSocketChannel"
}

func acceptNonblock(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

func newWakePipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}
