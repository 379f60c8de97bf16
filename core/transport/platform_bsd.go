//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package transport

import (
	"sync"

	"golang.org/x/sys/unix"
)

var kqueueProbe = sync.OnceValue(func() bool {
	fd, err := unix.Kqueue()
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
})

func nativeAvailable(kind Kind) bool {
	return kind == Kqueue && kqueueProbe()
}

func newPoller(kind Kind) (Poller, error) {
	if kind != Kqueue {
		return nil, ErrTransportUnavailable
	}
	return NewKqueuePoller()
}

func reusePort(Kind) bool {
	return false
}

func channelType(Kind) string {
	return "KQueueServerSocketChannel"
}

func acceptNonblock(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}

func newWakePipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return -1, -1, err
		}
	}
	return p[0], p[1], nil
}
