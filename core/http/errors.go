package http

import (
	"errors"
	nethttp "net/http"
)

var (
	ErrInvalidRequest              = errors.New("invalid HTTP request")
	ErrInvalidHeader               = errors.New("invalid header field")
	ErrHeaderTooLarge              = errors.New("request header too large")
	ErrUnsupportedVersion          = errors.New("unsupported HTTP version")
	ErrInvalidContentLength        = errors.New("invalid Content-Length")
	ErrConflictingFraming          = errors.New("conflicting message framing")
	ErrUnsupportedTransferEncoding = errors.New("unsupported Transfer-Encoding")
	ErrInvalidChunk                = errors.New("malformed chunked encoding")
	ErrBodyTruncated               = errors.New("request body ended early")

	ErrHeadCommitted  = errors.New("response head already committed")
	ErrResponseDone   = errors.New("response already finished")
	ErrBodyOverflow   = errors.New("response body exceeds Content-Length")
	ErrBodyUnderflow  = errors.New("response body shorter than Content-Length")
	ErrInvalidStatus  = errors.New("invalid status code")
	ErrConnectionLost = errors.New("connection lost")
)

// StatusCode maps a request decoding error to the status sent before the
// connection is closed.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrHeaderTooLarge):
		return nethttp.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrUnsupportedVersion):
		return nethttp.StatusHTTPVersionNotSupported
	case errors.Is(err, ErrUnsupportedTransferEncoding):
		return nethttp.StatusNotImplemented
	default:
		return nethttp.StatusBadRequest
	}
}
