package stream

// Result is delivered to a PullBridge callback. Exactly one of Chunk or Done
// is set; Err is only meaningful with Done.
type Result struct {
	Chunk *Chunk
	Done  bool
	Err   error
}

// PullBridge adapts request content to a web-stream style consumer: each
// Pull asks upstream for exactly one chunk and resolves exactly once.
type PullBridge struct {
	src      *Consumable
	pending  func(Result)
	attached bool
	done     bool
	err      error
}

// NewPullBridge creates a bridge over src. The content is attached lazily on
// the first Pull.
func NewPullBridge(src *Consumable) *PullBridge {
	return &PullBridge{src: src}
}

// Pull requests the next chunk. It never blocks: cb runs when the chunk
// arrives, possibly before Pull returns. A second Pull before the first
// resolved fails with ErrPullPending.
func (b *PullBridge) Pull(cb func(Result)) error {
	if cb == nil {
		return ErrNilCallback
	}
	if b.pending != nil {
		return ErrPullPending
	}
	if b.done {
		cb(Result{Done: true, Err: b.err})
		return nil
	}
	b.pending = cb

	if !b.attached {
		b.attached = true
		if err := b.src.Consume(nil, b.onRead, b.onClose); err != nil {
			b.pending = nil
			return err
		}
		if b.done {
			return nil
		}
	}
	b.src.Pull()
	return nil
}

// Cancel detaches from upstream and discards remaining data. A pending pull
// resolves as done.
func (b *PullBridge) Cancel() {
	if !b.attached {
		b.attached = true
		b.done = true
		b.src.Release()
		return
	}
	b.src.Release()
}

// Pending reports whether a pull is outstanding.
func (b *PullBridge) Pending() bool {
	return b.pending != nil
}

func (b *PullBridge) onRead(chunk *Chunk, _ Reader) {
	cb := b.pending
	b.pending = nil
	if cb == nil {
		chunk.Release()
		return
	}
	cb(Result{Chunk: chunk})
}

func (b *PullBridge) onClose(err error) {
	b.done = true
	b.err = err
	if cb := b.pending; cb != nil {
		b.pending = nil
		cb(Result{Done: true, Err: err})
	}
}

// Collect reads src to the end and calls done with the concatenated bytes.
// limit caps the body size; zero means no cap. Exceeding the cap releases
// the content and reports ErrBodyTooLarge.
func Collect(src *Consumable, limit int, done func([]byte, error)) error {
	var (
		buf      []byte
		finished bool
	)
	err := src.Consume(nil, func(chunk *Chunk, r Reader) {
		defer chunk.Release()
		if limit > 0 && len(buf)+chunk.Len() > limit {
			finished = true
			r.Release()
			done(nil, ErrBodyTooLarge)
			return
		}
		buf = append(buf, chunk.Bytes()...)
		r.Pull()
	}, func(err error) {
		if finished {
			return
		}
		finished = true
		done(buf, err)
	})
	if err != nil {
		return err
	}
	src.Pull()
	return nil
}
