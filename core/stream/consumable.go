// Package stream implements the pull-based content bridge used for request
// and response bodies.
//
// Every object in this package belongs to one event loop. Callbacks are
// invoked on that loop and the methods must be called from it; code running on
// other goroutines hops onto the loop first (see transport.EventLoop.Execute).
// Because of that the types carry no locks.
//
// Data never moves ahead of demand: a consumer receives the next chunk only
// after calling Reader.Pull, and a producer is asked for more data through its
// onPull callback.
package stream

// Reader is handed to request body consumers.
type Reader interface {
	// Pull requests the next chunk. Calling Pull while a request is already
	// outstanding has no additional effect.
	Pull()
	// Release detaches the consumer and discards any remaining data.
	// Idempotent.
	Release()
}

// Consumable is request-side content: the host transport offers chunks, a
// single consumer pulls them.
type Consumable struct {
	queue    []*Chunk
	buffered int

	attached bool
	demand   bool
	released bool
	finished bool
	closed   bool
	draining bool
	failure  error

	onRead   func(*Chunk, Reader)
	onClose  func(error)
	onDemand func()
}

// NewConsumable creates empty request content.
func NewConsumable() *Consumable {
	return &Consumable{}
}

// Empty returns content that is already finished with no data.
func Empty() *Consumable {
	c := NewConsumable()
	c.finished = true
	return c
}

// Consume attaches the consumer. onAttached fires first, then onRead once per
// pulled chunk, then onClose exactly once. onClose receives nil on graceful
// end of data.
func (c *Consumable) Consume(onAttached func(), onRead func(*Chunk, Reader), onClose func(error)) error {
	if onRead == nil {
		return ErrNilCallback
	}
	if c.attached {
		return ErrAlreadyConsumed
	}
	c.attached = true
	c.onRead = onRead
	c.onClose = onClose

	if onAttached != nil {
		onAttached()
	}
	c.drain()
	return nil
}

// Pull implements Reader.
func (c *Consumable) Pull() {
	if c.closed || c.released || c.demand {
		return
	}
	c.demand = true
	c.drain()
	if c.demand && !c.finished && c.onDemand != nil {
		c.onDemand()
	}
}

// Release implements Reader.
func (c *Consumable) Release() {
	if c.closed || c.released {
		return
	}
	c.released = true
	c.demand = false
	c.discard()
	c.close(nil)
	// the host keeps reading so it can skip the rest of the body
	if !c.finished && c.onDemand != nil {
		c.onDemand()
	}
}

// Offer hands a chunk from the host to the consumer. Ownership moves to the
// content; chunks offered after release or close are dropped.
func (c *Consumable) Offer(chunk *Chunk) {
	if chunk == nil {
		return
	}
	if c.closed || c.released || c.finished {
		chunk.Release()
		return
	}
	c.queue = append(c.queue, chunk)
	c.buffered += chunk.Len()
	c.drain()
}

// Finish marks the end of data. A nil err lets queued chunks drain before
// onClose; a non-nil err discards them and closes at once.
func (c *Consumable) Finish(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.failure = err
	if err != nil {
		c.discard()
		if c.attached {
			c.close(err)
		}
		return
	}
	c.drain()
}

// SetDemandListener registers the host callback fired when the consumer asks
// for data that is not buffered yet.
func (c *Consumable) SetDemandListener(fn func()) {
	c.onDemand = fn
}

// Buffered returns the number of bytes offered but not yet delivered.
func (c *Consumable) Buffered() int {
	return c.buffered
}

// Wants reports whether the consumer has an outstanding pull.
func (c *Consumable) Wants() bool {
	return c.demand
}

// Released reports whether the consumer detached early.
func (c *Consumable) Released() bool {
	return c.released
}

// Finished reports whether the host has delivered the end of data.
func (c *Consumable) Finished() bool {
	return c.finished
}

// Closed reports whether onClose has fired.
func (c *Consumable) Closed() bool {
	return c.closed
}

func (c *Consumable) drain() {
	if c.draining {
		return
	}
	c.draining = true
	defer func() { c.draining = false }()

	for c.attached && !c.closed {
		if len(c.queue) > 0 {
			if !c.demand {
				return
			}
			chunk := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.buffered -= chunk.Len()
			c.demand = false
			c.onRead(chunk, c)
			continue
		}
		if c.finished {
			c.close(c.failure)
		}
		return
	}
}

func (c *Consumable) discard() {
	for _, chunk := range c.queue {
		chunk.Release()
	}
	c.queue = nil
	c.buffered = 0
}

func (c *Consumable) close(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.demand = false
	if c.onClose != nil {
		c.onClose(err)
	}
}
