package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/embercore/internal/peer"
	"github.com/dcrodman/embercore/internal/protocol"
)

func newTestSession(t *testing.T, burst int) (*session, *testClient) {
	t.Helper()
	server, client := newTestConnections(t)
	logger, _ := test.NewNullLogger()

	s := &session{
		id:        7,
		conn:      server,
		codec:     protocol.NewCodec(server, protocol.CodecOptions{}),
		outbox:    peer.NewMailbox[protocol.Payload](),
		responses: peer.NewMailbox[peer.Response](),
		burst:     burst,
		logger:    logger.WithField("peer", 7),
	}
	return s, &testClient{conn: client, codec: protocol.NewCodec(client, protocol.CodecOptions{})}
}

func runSession(s *session) (<-chan error, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()
	return done, cancel
}

func waitForSession(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the session to end")
		return nil
	}
}

func TestSession_ForwardsInboundInOrder(t *testing.T) {
	s, client := newTestSession(t, 10)
	done, cancel := runSession(s)
	defer cancel()

	sent := []protocol.Payload{
		&protocol.AuthRequest{Login: "a"},
		&protocol.AuthResponse{Status: protocol.StatusBanned},
		&protocol.AuthRequest{Login: "c", Password: "d"},
	}
	client.send(t, sent...)

	ctx, cancelPop := context.WithTimeout(context.Background(), testTimeout)
	defer cancelPop()
	for i, want := range sent {
		got, err := s.responses.Pop(ctx)
		if err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if diff := deep.Equal(peer.Response{ID: 7, Payload: want}, got); diff != nil {
			t.Errorf("response %d: %v", i, diff)
		}
	}

	_ = client.conn.Close()
	if err := waitForSession(t, done); err != nil {
		t.Errorf("expected a clean disconnect to return nil, got %v", err)
	}
}

func TestSession_WritesOutbox(t *testing.T) {
	s, client := newTestSession(t, 10)
	done, cancel := runSession(s)

	// More than one burst's worth, queued while the session is already waiting.
	const count = 25
	for i := 0; i < count; i++ {
		if err := s.outbox.Push(&protocol.AuthResponse{Result: &protocol.AuthResult{UserID: uint32(i)}}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < count; i++ {
		resp, ok := client.receive(t).(*protocol.AuthResponse)
		if !ok {
			t.Fatalf("payload %d: expected an AuthResponse", i)
		}
		if resp.Result == nil || resp.Result.UserID != uint32(i) {
			t.Fatalf("payload %d: got out of order payload %+v", i, resp)
		}
	}

	cancel()
	if err := waitForSession(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSession_BufferOutboundRespectsBurst(t *testing.T) {
	tests := map[string]struct {
		queued   int
		burst    int
		want     int
		leftOver int
	}{
		"empty":        {queued: 0, burst: 10, want: 0, leftOver: 0},
		"under burst":  {queued: 4, burst: 10, want: 4, leftOver: 0},
		"exactly one":  {queued: 10, burst: 10, want: 10, leftOver: 0},
		"over burst":   {queued: 25, burst: 10, want: 10, leftOver: 15},
		"single burst": {queued: 3, burst: 1, want: 1, leftOver: 2},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := newTestSession(t, tt.burst)
			for i := 0; i < tt.queued; i++ {
				_ = s.outbox.Push(&protocol.AuthRequest{})
			}

			n, err := s.bufferOutbound()
			if err != nil {
				t.Fatalf("bufferOutbound() returned an unexpected error: %v", err)
			}
			if n != tt.want {
				t.Errorf("expected %d payloads buffered, got %d", tt.want, n)
			}
			if s.outbox.Len() != tt.leftOver {
				t.Errorf("expected %d payloads left in the outbox, got %d", tt.leftOver, s.outbox.Len())
			}
			if (n > 0) != (s.codec.Buffered() > 0) {
				t.Errorf("buffered %d payloads but codec holds %d bytes", n, s.codec.Buffered())
			}
		})
	}
}

func TestSession_ClosedOutboxEndsSession(t *testing.T) {
	s, _ := newTestSession(t, 10)
	done, cancel := runSession(s)
	defer cancel()

	s.outbox.Close()
	if err := waitForSession(t, done); !errors.Is(err, peer.ErrMailboxClosed) {
		t.Errorf("expected ErrMailboxClosed, got %v", err)
	}
}

func TestSession_UndecodableInputIsFatal(t *testing.T) {
	s, client := newTestSession(t, 10)
	done, cancel := runSession(s)
	defer cancel()

	// A length prefix with no terminating byte.
	if _, err := client.conn.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}); err != nil {
		t.Fatal(err)
	}
	if err := waitForSession(t, done); !errors.Is(err, protocol.ErrMalformedLength) {
		t.Errorf("expected ErrMalformedLength, got %v", err)
	}
}
