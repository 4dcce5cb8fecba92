package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// DefaultReadIncrement is how much the read buffer grows by each time it needs more room.
	DefaultReadIncrement = 1024
	// DefaultMaxFrameSize is the largest frame body a Decoder accepts by default.
	DefaultMaxFrameSize = 1 << 20
)

// Decoder splits a stream of bytes into frames. Bytes are appended with Write or
// ReadFrom and frames are pulled out with Next once all of their declared bytes
// have arrived; a partially received frame is never returned.
type Decoder struct {
	buf []byte
	// Length of the frame currently being received, or -1 if its prefix hasn't been parsed yet.
	size int

	readIncrement int
	maxFrameSize  int
}

// NewDecoder returns a Decoder whose buffer grows by readIncrement bytes at a time and
// which rejects frames longer than maxFrameSize. Non-positive values select the defaults.
func NewDecoder(readIncrement, maxFrameSize int) *Decoder {
	if readIncrement <= 0 {
		readIncrement = DefaultReadIncrement
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{size: -1, readIncrement: readIncrement, maxFrameSize: maxFrameSize}
}

// Write appends p to the buffered input. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.reserve(len(p))
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// ReadFrom performs a single Read from r into the buffer, growing it by the read
// increment if it's full. Unlike io.ReaderFrom it doesn't loop until EOF, since the
// caller only needs more bytes when no complete frame is buffered.
func (d *Decoder) ReadFrom(r io.Reader) (int64, error) {
	d.reserve(d.readIncrement)
	n, err := r.Read(d.buf[len(d.buf):cap(d.buf)])
	d.buf = d.buf[:len(d.buf)+n]
	return int64(n), err
}

// reserve makes sure there's room for at least n more bytes, growing the buffer in
// multiples of the read increment.
func (d *Decoder) reserve(n int) {
	free := cap(d.buf) - len(d.buf)
	if free >= n {
		return
	}

	newCap := cap(d.buf)
	for newCap-len(d.buf) < n {
		newCap += d.readIncrement
	}

	buf := make([]byte, len(d.buf), newCap)
	copy(buf, d.buf)
	d.buf = buf
}

// Next returns the next complete frame. ok is false if more bytes are needed first.
// Any error is fatal; the Decoder must not be used afterwards.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	if d.size < 0 {
		size, n := protowire.ConsumeVarint(d.buf)
		if n < 0 {
			if truncatedVarint(d.buf) {
				return Frame{}, false, nil
			}
			return Frame{}, false, fmt.Errorf("%w: %v", ErrMalformedLength, protowire.ParseError(n))
		}
		if size > uint64(d.maxFrameSize) {
			return Frame{}, false, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, d.maxFrameSize)
		}
		d.buf = d.buf[n:]
		d.size = int(size)
	}

	if len(d.buf) < d.size {
		return Frame{}, false, nil
	}

	body := d.buf[:d.size]
	d.buf = d.buf[d.size:]
	d.size = -1

	f, err = DecodeFrame(body)
	if err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}

// Pending reports whether any bytes of an incomplete frame are buffered.
func (d *Decoder) Pending() bool {
	return d.size >= 0 || len(d.buf) > 0
}

// truncatedVarint reports whether b is the beginning of a varint that's still missing bytes.
func truncatedVarint(b []byte) bool {
	if len(b) >= binary.MaxVarintLen64 {
		return false
	}
	for _, c := range b {
		if c < 0x80 {
			return false
		}
	}
	return true
}
