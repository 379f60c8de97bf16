package stream

import "errors"

var (
	ErrAlreadyConsumed = errors.New("stream: content already has a consumer")
	ErrAlreadySourced  = errors.New("stream: content already has a source")
	ErrStreamClosed    = errors.New("stream: closed")
	ErrPullPending     = errors.New("stream: pull already pending")
	ErrNilCallback     = errors.New("stream: nil callback")
	ErrBodyTooLarge    = errors.New("stream: body exceeds limit")
)
