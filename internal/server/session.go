package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/embercore/internal/peer"
	"github.com/dcrodman/embercore/internal/protocol"
)

// alwaysReady is selected instead of the outbox when a session has more queued
// payloads than it is allowed to write in one go.
var alwaysReady = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// session is the steady state of an admitted connection. Payloads queued in its
// outbox are written to the client, and everything the client sends is forwarded to
// the shared responses queue tagged with the peer's ID.
type session struct {
	id        peer.PeerID
	conn      net.Conn
	codec     *protocol.Codec
	outbox    *peer.Outbox
	responses *peer.Mailbox[peer.Response]
	// Maximum number of payloads buffered before flushing and yielding.
	burst  int
	logger *logrus.Entry
}

// run blocks until the client disconnects, sends something undecodable, can't be
// written to, or ctx is cancelled. A clean disconnect returns nil.
func (s *session) run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.forwardInbound()
	}()

	for {
		n, err := s.bufferOutbound()
		if err != nil {
			return s.stop(err, readErr)
		}
		if err := s.codec.Flush(); err != nil {
			return s.stop(fmt.Errorf("flushing to client: %w", err), readErr)
		}

		ready := s.outbox.Ready()
		if n == s.burst {
			// There may be more waiting; give other goroutines a turn and come back
			// without waiting for the next notification.
			runtime.Gosched()
			ready = alwaysReady
		}

		select {
		case <-ctx.Done():
			return s.stop(ctx.Err(), readErr)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-ready:
		}
	}
}

// bufferOutbound moves up to burst payloads from the outbox into the codec and
// returns how many it moved.
func (s *session) bufferOutbound() (int, error) {
	for i := 0; i < s.burst; i++ {
		payload, ok, err := s.outbox.TryPop()
		if err != nil {
			return i, err
		}
		if !ok {
			return i, nil
		}
		if err := s.codec.Buffer(payload); err != nil {
			return i, err
		}
	}
	return s.burst, nil
}

// forwardInbound reads frames from the client in order and hands them to the
// responses queue until the stream ends.
func (s *session) forwardInbound() error {
	for {
		payload, err := s.codec.Next()
		if err != nil {
			return err
		}
		if err := s.responses.Push(peer.Response{ID: s.id, Payload: payload}); err != nil {
			return fmt.Errorf("forwarding response: %w", err)
		}
	}
}

// stop closes the connection so that the reader unblocks, then waits for it.
func (s *session) stop(err error, readErr <-chan error) error {
	_ = s.conn.Close()
	<-readErr
	return err
}
