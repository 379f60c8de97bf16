package transport

import (
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// Kind names a transport implementation.
type Kind string

const (
	Auto    Kind = "auto"
	IOUring Kind = "io_uring"
	Epoll   Kind = "epoll"
	Kqueue  Kind = "kqueue"
	NIO     Kind = "nio"
)

// probeOrder is the preference order used by Auto.
var probeOrder = []Kind{IOUring, Epoll, Kqueue, NIO}

// ParseKind converts a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return Auto, nil
	case Auto, IOUring, Epoll, Kqueue, NIO:
		return k, nil
	case "iouring", "uring":
		return IOUring, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
	}
}

// Options configures transport resolution.
type Options struct {
	// Preferred forces a transport; Auto or empty probes.
	Preferred Kind
	// EventLoops is the number of loops, runtime.NumCPU() when zero.
	EventLoops int
	Logger     *zap.Logger
}

// Available reports whether kind can be used on this system.
func Available(kind Kind) bool {
	if kind == NIO {
		return true
	}
	return nativeAvailable(kind)
}

// Resolve picks a transport. With a preferred kind that is unavailable it
// fails with ErrTransportUnavailable rather than falling back.
func Resolve(opts Options) (Transport, error) {
	if opts.EventLoops <= 0 {
		opts.EventLoops = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	preferred, err := ParseKind(string(opts.Preferred))
	if err != nil {
		return nil, err
	}
	opts.Preferred = preferred

	kind := preferred
	if kind == Auto {
		for _, k := range probeOrder {
			if Available(k) {
				kind = k
				break
			}
		}
	} else if !Available(kind) {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnavailable, kind)
	}

	opts.Logger.Info("transport selected",
		zap.String("kind", string(kind)),
		zap.Int("event_loops", opts.EventLoops),
		zap.Bool("forced", opts.Preferred != Auto),
	)

	if kind == NIO {
		return newNIOTransport(opts), nil
	}
	return newNativeTransport(kind, opts)
}
