package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relaySink forwards produced chunks into request-style content, standing in
// for the host transport between a producer and a consumer.
type relaySink struct {
	dst *Consumable
}

func (s *relaySink) WriteChunk(chunk *Chunk) { s.dst.Offer(chunk) }
func (s *relaySink) Finish(err error)        { s.dst.Finish(err) }

type recordingSink struct {
	chunks   []string
	finished int
	err      error
}

func (s *recordingSink) WriteChunk(chunk *Chunk) {
	s.chunks = append(s.chunks, string(chunk.Bytes()))
	chunk.Release()
}

func (s *recordingSink) Finish(err error) {
	s.finished++
	s.err = err
}

func TestChunk_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	recycled := 0
	c := NewPooledChunk([]byte("abc"), func([]byte) { recycled++ })
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, "abc", string(c.Bytes()))

	c.Release()
	c.Release()
	assert.Equal(t, 1, recycled)
	assert.Nil(t, c.Bytes())
	assert.Zero(t, c.Len())
}

func TestConsumable_NoDeliveryBeforePull(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	var got []string
	require.NoError(t, body.Consume(nil, func(c *Chunk, _ Reader) {
		got = append(got, string(c.Bytes()))
		c.Release()
	}, nil))

	body.Offer(NewChunk([]byte("one")))
	body.Offer(NewChunk([]byte("two")))
	assert.Empty(t, got)
	assert.Equal(t, 6, body.Buffered())

	body.Pull()
	assert.Equal(t, []string{"one"}, got)

	body.Pull()
	body.Pull()
	assert.Equal(t, []string{"one", "two"}, got)
	assert.Zero(t, body.Buffered())
}

func TestConsumable_PullCoalesces(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	demands := 0
	body.SetDemandListener(func() { demands++ })

	var got []string
	require.NoError(t, body.Consume(nil, func(c *Chunk, _ Reader) {
		got = append(got, string(c.Bytes()))
	}, nil))

	body.Pull()
	body.Pull()
	body.Pull()
	assert.Equal(t, 1, demands)
	assert.True(t, body.Wants())

	body.Offer(NewChunk([]byte("a")))
	body.Offer(NewChunk([]byte("b")))
	assert.Equal(t, []string{"a"}, got)
}

func TestConsumable_CloseOnceAfterLastChunk(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	var events []string
	require.NoError(t, body.Consume(
		func() { events = append(events, "attached") },
		func(c *Chunk, r Reader) {
			events = append(events, "read:"+string(c.Bytes()))
			r.Pull()
		},
		func(err error) {
			assert.NoError(t, err)
			events = append(events, "close")
		},
	))

	body.Offer(NewChunk([]byte("x")))
	body.Pull()
	body.Offer(NewChunk([]byte("y")))
	body.Finish(nil)
	body.Finish(nil)
	body.Pull()

	assert.Equal(t, []string{"attached", "read:x", "read:y", "close"}, events)
	assert.True(t, body.Closed())
}

func TestConsumable_FinishWithErrorDiscardsQueue(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	recycled := 0
	body.Offer(NewPooledChunk([]byte("lost"), func([]byte) { recycled++ }))

	failure := errors.New("connection reset")
	body.Finish(failure)

	var closeErr error
	closes := 0
	require.NoError(t, body.Consume(nil, func(c *Chunk, _ Reader) {
		t.Fatal("no chunk expected after failure")
	}, func(err error) {
		closes++
		closeErr = err
	}))

	assert.Equal(t, 1, recycled)
	assert.Equal(t, 1, closes)
	assert.ErrorIs(t, closeErr, failure)
}

func TestConsumable_ReleaseStopsDelivery(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	demands := 0
	body.SetDemandListener(func() { demands++ })

	reads, closes := 0, 0
	require.NoError(t, body.Consume(nil, func(c *Chunk, r Reader) {
		reads++
		c.Release()
	}, func(err error) {
		closes++
		assert.NoError(t, err)
	}))

	recycled := 0
	body.Offer(NewPooledChunk([]byte("a"), func([]byte) { recycled++ }))
	body.Release()
	body.Release()
	body.Pull()
	body.Offer(NewPooledChunk([]byte("b"), func([]byte) { recycled++ }))

	assert.Zero(t, reads)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 2, recycled)
	assert.Equal(t, 1, demands, "release resumes host reading so the rest of the body is skipped")
	assert.True(t, body.Released())
}

func TestConsumable_SecondConsumerRejected(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	noop := func(*Chunk, Reader) {}
	require.NoError(t, body.Consume(nil, noop, nil))
	assert.ErrorIs(t, body.Consume(nil, noop, nil), ErrAlreadyConsumed)
	assert.ErrorIs(t, NewConsumable().Consume(nil, nil, nil), ErrNilCallback)
}

func TestEmpty_ClosesOnAttach(t *testing.T) {
	t.Parallel()

	closed := false
	require.NoError(t, Empty().Consume(nil, func(*Chunk, Reader) {}, func(err error) {
		closed = true
		assert.NoError(t, err)
	}))
	assert.True(t, closed)
}

func TestProducible_PullDrivenWrites(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	started := false
	body := NewProducible(sink, func() bool {
		started = true
		return false
	})

	parts := []string{"h", "e", "y"}
	next := 0
	closes := 0
	require.NoError(t, body.Source(
		func(w Writer) { assert.True(t, started) },
		func(err error) {
			closes++
			assert.NoError(t, err)
		},
		func(w Writer) {
			if next == len(parts) {
				w.End(nil)
				return
			}
			require.NoError(t, w.Write(NewChunk([]byte(parts[next]))))
			next++
		},
	))
	assert.Empty(t, sink.chunks, "nothing is written before the host asks")

	for i := 0; i < 10 && !body.Ended(); i++ {
		body.Demand()
	}

	assert.Equal(t, parts, sink.chunks)
	assert.Equal(t, 1, sink.finished)
	assert.Equal(t, 1, closes)
	assert.ErrorIs(t, body.Write(NewChunk([]byte("late"))), ErrStreamClosed)
}

func TestProducible_EndIdempotent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	body := NewProducible(sink, nil)
	closes := 0
	var w Writer
	require.NoError(t, body.Source(func(wr Writer) { w = wr }, func(error) { closes++ }, nil))

	failure := errors.New("producer failed")
	w.End(failure)
	w.End(nil)
	body.Abort(errors.New("ignored"))

	assert.Equal(t, 1, sink.finished)
	assert.ErrorIs(t, sink.err, failure)
	assert.Equal(t, 1, closes)
	assert.ErrorIs(t, body.Source(nil, nil, nil), ErrAlreadySourced)
}

func TestProducible_ReadyOnStart(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	body := NewProducible(sink, func() bool { return true })
	pulls := 0
	require.NoError(t, body.Source(nil, nil, func(w Writer) {
		pulls++
		require.NoError(t, w.Write(NewChunk([]byte("first"))))
	}))

	assert.Equal(t, 1, pulls)
	assert.Equal(t, []string{"first"}, sink.chunks)
}

func TestProducible_AbortBeforeSource(t *testing.T) {
	t.Parallel()

	body := NewProducible(&recordingSink{}, nil)
	body.Abort(errors.New("gone"))
	assert.ErrorIs(t, body.Source(nil, nil, nil), ErrStreamClosed)
}

func TestBackpressureRoundTrip(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	producer := NewProducible(&relaySink{dst: body}, nil)
	body.SetDemandListener(producer.Demand)

	parts := []string{"alpha", "beta", "gamma", "delta"}
	next, pulls, closes := 0, 0, 0
	var received []string
	var closeErr error

	require.NoError(t, body.Consume(nil, func(c *Chunk, _ Reader) {
		received = append(received, string(c.Bytes()))
		assert.Equal(t, pulls, len(received), "chunk delivered before it was pulled")
		c.Release()
	}, func(err error) {
		closes++
		closeErr = err
	}))

	require.NoError(t, producer.Source(nil, nil, func(w Writer) {
		if next == len(parts) {
			w.End(nil)
			return
		}
		require.NoError(t, w.Write(NewChunk([]byte(parts[next]))))
		next++
	}))

	for i := 0; i < 20 && !body.Closed(); i++ {
		pulls++
		body.Pull()
	}

	assert.Equal(t, parts, received)
	assert.Equal(t, 1, closes)
	assert.NoError(t, closeErr)
	assert.Equal(t, len(parts)+1, pulls)
}

func TestPullBridge_SinglePendingPull(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	bridge := NewPullBridge(body)

	var results []Result
	require.NoError(t, bridge.Pull(func(r Result) { results = append(results, r) }))
	assert.True(t, bridge.Pending())
	assert.ErrorIs(t, bridge.Pull(func(Result) {}), ErrPullPending)

	body.Offer(NewChunk([]byte("first")))
	body.Offer(NewChunk([]byte("second")))
	require.Len(t, results, 1)
	assert.Equal(t, "first", string(results[0].Chunk.Bytes()))
	assert.False(t, bridge.Pending())

	require.NoError(t, bridge.Pull(func(r Result) { results = append(results, r) }))
	require.Len(t, results, 2)
	assert.Equal(t, "second", string(results[1].Chunk.Bytes()))

	require.NoError(t, bridge.Pull(func(r Result) { results = append(results, r) }))
	body.Finish(nil)
	require.Len(t, results, 3)
	assert.True(t, results[2].Done)
	assert.NoError(t, results[2].Err)

	require.NoError(t, bridge.Pull(func(r Result) { results = append(results, r) }))
	assert.True(t, results[3].Done)
}

func TestPullBridge_Cancel(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	bridge := NewPullBridge(body)

	var last Result
	require.NoError(t, bridge.Pull(func(r Result) { last = r }))
	bridge.Cancel()
	assert.True(t, last.Done)
	assert.True(t, body.Released())
}

func TestCollect(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	var got []byte
	var gotErr error
	calls := 0
	require.NoError(t, Collect(body, 0, func(b []byte, err error) {
		calls++
		got, gotErr = b, err
	}))

	body.Offer(NewChunk([]byte("hello ")))
	body.Offer(NewChunk([]byte("world")))
	body.Finish(nil)

	assert.Equal(t, 1, calls)
	assert.NoError(t, gotErr)
	assert.Equal(t, "hello world", string(got))
}

func TestCollect_Limit(t *testing.T) {
	t.Parallel()

	body := NewConsumable()
	var gotErr error
	calls := 0
	require.NoError(t, Collect(body, 4, func(_ []byte, err error) {
		calls++
		gotErr = err
	}))

	body.Offer(NewChunk([]byte("too long")))
	body.Finish(nil)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, gotErr, ErrBodyTooLarge)
	assert.True(t, body.Released())
}
