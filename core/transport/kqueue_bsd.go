//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package transport

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewKqueuePoller creates a new kqueue instance
func NewKqueuePoller() (*KqueuePoller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)
	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

// Add adds a file descriptor to the watch list. Both filters are registered
// once and toggled with EV_ENABLE / EV_DISABLE afterwards.
func (p *KqueuePoller) Add(fd int, read, write bool) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_ADD|toggle(read))
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_ADD|toggle(write))
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Modify changes the interest set of fd
func (p *KqueuePoller) Modify(fd int, read, write bool) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, toggle(read))
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, toggle(write))
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

func toggle(on bool) int {
	if on {
		return unix.EV_ENABLE
	}
	return unix.EV_DISABLE
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int, events []Event) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1e6)
		ts = &t
	}

	limit := min(len(events), len(p.events))
	n, err := unix.Kevent(p.kqfd, nil, p.events[:limit], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		kev := p.events[i]
		hangup := kev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0
		events[i] = Event{
			Fd:       int(kev.Ident),
			Readable: kev.Filter == unix.EVFILT_READ,
			Writable: kev.Filter == unix.EVFILT_WRITE,
			Hangup:   hangup && kev.Filter == unix.EVFILT_READ,
		}
	}
	return n, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
