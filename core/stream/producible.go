package stream

// Writer is handed to response body producers.
type Writer interface {
	// Write passes a chunk to the host. Ownership moves with the call, also
	// when an error is returned.
	Write(chunk *Chunk) error
	// End finishes the body. A non-nil err aborts it. Idempotent.
	End(err error)
}

// Sink receives produced chunks on the host side.
type Sink interface {
	WriteChunk(chunk *Chunk)
	Finish(err error)
}

// Producible is response-side content: a single producer writes chunks when
// the host asks for them.
type Producible struct {
	sink    Sink
	onStart func() bool

	sourced bool
	demand  bool
	pulling bool
	ended   bool
	closed  bool

	onPull  func(Writer)
	onClose func(error)
}

// NewProducible creates response content that forwards to sink. onStart, if
// set, runs when a source attaches and before any chunk is written; the
// response uses it to commit its head. Its result reports whether the host
// can take data right away, in which case the first onPull fires without
// waiting for Demand.
func NewProducible(sink Sink, onStart func() bool) *Producible {
	return &Producible{sink: sink, onStart: onStart}
}

// Source attaches the producer. onAttached receives the writer first; onPull
// fires whenever the host can take more data; onClose fires exactly once.
func (p *Producible) Source(onAttached func(Writer), onClose func(error), onPull func(Writer)) error {
	if p.sourced {
		return ErrAlreadySourced
	}
	if p.closed {
		return ErrStreamClosed
	}
	p.sourced = true
	p.onPull = onPull
	p.onClose = onClose

	// Demand arriving while the source attaches is recorded, not acted on
	p.pulling = true
	ready := false
	if p.onStart != nil {
		ready = p.onStart()
	}
	if onAttached != nil {
		onAttached(p)
	}
	p.pulling = false
	if ready && !p.ended {
		p.demand = true
	}
	p.pump()
	return nil
}

// Write implements Writer.
func (p *Producible) Write(chunk *Chunk) error {
	if p.ended || p.closed {
		chunk.Release()
		return ErrStreamClosed
	}
	p.sink.WriteChunk(chunk)
	return nil
}

// End implements Writer.
func (p *Producible) End(err error) {
	if p.ended || p.closed {
		return
	}
	p.ended = true
	p.demand = false
	p.sink.Finish(err)
	p.close(err)
}

// Demand is called by the host when it can accept more data.
func (p *Producible) Demand() {
	if p.ended || p.closed {
		return
	}
	p.demand = true
	p.pump()
}

// Abort closes the content from the host side, for example when the
// connection is lost. The sink is not notified.
func (p *Producible) Abort(err error) {
	if p.closed {
		return
	}
	p.ended = true
	p.demand = false
	p.close(err)
}

// Sourced reports whether a producer is attached.
func (p *Producible) Sourced() bool {
	return p.sourced
}

// Ended reports whether End or Abort was called.
func (p *Producible) Ended() bool {
	return p.ended
}

func (p *Producible) pump() {
	if p.pulling {
		return
	}
	p.pulling = true
	defer func() { p.pulling = false }()

	for p.sourced && p.demand && !p.ended && !p.closed {
		p.demand = false
		if p.onPull == nil {
			return
		}
		p.onPull(p)
	}
}

func (p *Producible) close(err error) {
	if p.closed {
		return
	}
	p.closed = true
	if p.onClose != nil {
		p.onClose(err)
	}
}
