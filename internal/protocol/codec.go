package protocol

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Direction identifies which way a traced frame was travelling.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// CodecOptions tunes a Codec. The zero value uses the package defaults.
type CodecOptions struct {
	ReadIncrement int
	MaxFrameSize  int
	// Trace, if set, is called with every frame the Codec encodes or decodes.
	Trace func(Direction, Frame)
	// Now overrides the clock used to stamp outgoing frames.
	Now func() time.Time
}

// Codec exchanges frames over a duplex byte stream (usually a TCP connection).
//
// Outgoing payloads are stamped and encoded into an internal buffer by Buffer and
// only hit the stream when Flush is called. Incoming frames are pulled with Next.
// The read half (Next) and the write half (Buffer, Flush) may each be driven by a
// different goroutine, but neither half is safe for concurrent use by itself.
type Codec struct {
	rw      io.ReadWriter
	decoder *Decoder
	out     []byte
	eof     bool

	trace func(Direction, Frame)
	now   func() time.Time
}

func NewCodec(rw io.ReadWriter, opts CodecOptions) *Codec {
	c := &Codec{
		rw:      rw,
		decoder: NewDecoder(opts.ReadIncrement, opts.MaxFrameSize),
		trace:   opts.Trace,
		now:     opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Buffer encodes payload into a frame stamped with the current time and appends it to
// the outbound buffer. Nothing is written to the stream until Flush.
func (c *Codec) Buffer(payload Payload) error {
	f := Frame{Timestamp: c.now().UnixMilli(), Payload: payload}

	out, err := AppendFrame(c.out, f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	c.out = out

	if c.trace != nil {
		c.trace(Outbound, f)
	}
	return nil
}

// Flush writes the outbound buffer to the stream, blocking until it has all been
// written or the stream fails.
func (c *Codec) Flush() error {
	for pending := c.out; len(pending) > 0; {
		n, err := c.rw.Write(pending)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		pending = pending[n:]
	}
	c.out = c.out[:0]
	return nil
}

// Buffered returns the number of encoded bytes waiting to be flushed.
func (c *Codec) Buffered() int {
	return len(c.out)
}

// Next blocks until the next payload has been fully received and returns it. Frames
// that decode without a known payload are skipped. It returns io.EOF once the stream
// has ended cleanly between frames and io.ErrUnexpectedEOF if it ended mid-frame;
// malformed input yields an error wrapping ErrMalformedLength, ErrFrameTooLarge or
// ErrMalformedFrame. All errors are terminal.
func (c *Codec) Next() (Payload, error) {
	for {
		f, ok, err := c.decoder.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			if c.trace != nil {
				c.trace(Inbound, f)
			}
			if f.Payload == nil {
				continue
			}
			return f.Payload, nil
		}

		if c.eof {
			if c.decoder.Pending() {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		}

		if _, err := c.decoder.ReadFrom(c.rw); err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			c.eof = true
		}
	}
}
