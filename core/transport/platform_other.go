//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package transport

func nativeAvailable(Kind) bool {
	return false
}

func newNativeTransport(kind Kind, _ Options) (Transport, error) {
	return nil, ErrTransportUnavailable
}
