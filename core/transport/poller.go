//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package transport

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
}

// Poller is the I/O multiplexing interface
type Poller interface {
	Add(fd int, read, write bool) error
	Modify(fd int, read, write bool) error
	Remove(fd int) error
	// Wait blocks for up to timeout milliseconds (-1 forever) and fills
	// events, returning how many were stored.
	Wait(timeout int, events []Event) (int, error)
	Close() error
}
