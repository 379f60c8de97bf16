package stream

// Chunk is an immutable unit of body data handed from a producer to a
// consumer. Ownership moves to the receiver on delivery; the receiver calls
// Release once it no longer needs the bytes.
type Chunk struct {
	data     []byte
	recycle  func([]byte)
	released bool
}

// NewChunk wraps b without pooling. The caller must not modify b afterwards.
func NewChunk(b []byte) *Chunk {
	return &Chunk{data: b}
}

// NewPooledChunk wraps a pooled buffer; recycle is called exactly once on
// Release.
func NewPooledChunk(b []byte, recycle func([]byte)) *Chunk {
	return &Chunk{data: b, recycle: recycle}
}

// Bytes returns the chunk contents. The slice is invalid after Release.
func (c *Chunk) Bytes() []byte {
	if c == nil || c.released {
		return nil
	}
	return c.data
}

// Len returns the number of bytes in the chunk.
func (c *Chunk) Len() int {
	if c == nil || c.released {
		return 0
	}
	return len(c.data)
}

// Release returns the underlying buffer to its pool. Safe to call twice.
func (c *Chunk) Release() {
	if c == nil || c.released {
		return
	}
	c.released = true
	if c.recycle != nil {
		c.recycle(c.data)
	}
	c.data = nil
}
