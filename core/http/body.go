package http

import (
	"bytes"
	"strconv"
)

const maxChunkLine = 4096

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// BodyDecoder strips the transfer framing from a request body as bytes
// arrive. It holds no buffer of its own: Decode returns slices of its input.
type BodyDecoder struct {
	remaining int64
	chunked   bool
	state     chunkState
	done      bool
}

// NewBodyDecoder returns a decoder for the body announced by req.
func NewBodyDecoder(req *Request) *BodyDecoder {
	d := &BodyDecoder{}
	d.Reset(req)
	return d
}

// Reset prepares the decoder for the body of req.
func (d *BodyDecoder) Reset(req *Request) {
	d.chunked = req.Chunked
	d.state = chunkSize
	d.remaining = 0
	d.done = false
	if !d.chunked {
		d.remaining = req.ContentLength
		d.done = d.remaining <= 0
	}
}

// Done reports whether the whole body has been decoded.
func (d *BodyDecoder) Done() bool {
	return d.done
}

// Decode consumes framing and body bytes from the start of in. It returns at
// most one contiguous run of body data together with the number of input
// bytes consumed. Callers loop until n is zero or Done reports true; bytes
// past the end of the body are never consumed.
func (d *BodyDecoder) Decode(in []byte) (data []byte, n int, err error) {
	if d.done {
		return nil, 0, nil
	}
	if !d.chunked {
		k := int(min(d.remaining, int64(len(in))))
		d.remaining -= int64(k)
		d.done = d.remaining == 0
		return in[:k], k, nil
	}

	for n < len(in) {
		switch d.state {
		case chunkSize:
			eol := bytes.IndexByte(in[n:], '\n')
			if eol == -1 {
				if len(in)-n > maxChunkLine {
					return nil, n, ErrInvalidChunk
				}
				return nil, n, nil
			}
			line := trimCR(in[n : n+eol])
			if ext := bytes.IndexByte(line, ';'); ext != -1 {
				line = line[:ext]
			}
			size, perr := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 63)
			if perr != nil || size < 0 {
				return nil, n, ErrInvalidChunk
			}
			n += eol + 1
			if size == 0 {
				d.state = chunkTrailer
			} else {
				d.remaining = size
				d.state = chunkData
			}

		case chunkData:
			k := int(min(d.remaining, int64(len(in)-n)))
			data = in[n : n+k]
			n += k
			d.remaining -= int64(k)
			if d.remaining == 0 {
				d.state = chunkDataEnd
			}
			return data, n, nil

		case chunkDataEnd:
			switch in[n] {
			case '\n':
				n++
			case '\r':
				if n+1 == len(in) {
					return nil, n, nil
				}
				if in[n+1] != '\n' {
					return nil, n, ErrInvalidChunk
				}
				n += 2
			default:
				return nil, n, ErrInvalidChunk
			}
			d.state = chunkSize

		case chunkTrailer:
			eol := bytes.IndexByte(in[n:], '\n')
			if eol == -1 {
				if len(in)-n > maxChunkLine {
					return nil, n, ErrInvalidChunk
				}
				return nil, n, nil
			}
			line := trimCR(in[n : n+eol])
			n += eol + 1
			if len(line) == 0 {
				d.done = true
				return nil, n, nil
			}
		}
	}
	return nil, n, nil
}
