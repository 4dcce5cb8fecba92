package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/embercore/internal/auth"
	"github.com/dcrodman/embercore/internal/core"
	"github.com/dcrodman/embercore/internal/peer"
	"github.com/dcrodman/embercore/internal/protocol"
)

const testTimeout = 5 * time.Second

type testServer struct {
	frontend  *Frontend
	events    *peer.Mailbox[peer.ConnectionEvent]
	responses *peer.Mailbox[peer.Response]
	registry  *peer.Registry
	logs      *test.Hook
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
}

func newTestFrontend(t *testing.T) *testServer {
	t.Helper()
	logger, hook := test.NewNullLogger()

	events := peer.NewMailbox[peer.ConnectionEvent]()
	responses := peer.NewMailbox[peer.Response]()
	registry := peer.NewRegistry(events)

	return &testServer{
		frontend: &Frontend{
			// Allow the OS to choose the port for us.
			Address:   "127.0.0.1:0",
			Registry:  registry,
			Responses: responses,
			Verifier:  auth.AllowAll{},
			Bans:      auth.NewBanList(time.Minute),
			Config:    core.DefaultConfig(),
			Logger:    logger,
		},
		events:    events,
		responses: responses,
		registry:  registry,
		logs:      hook,
		wg:        &sync.WaitGroup{},
	}
}

func (s *testServer) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if err := s.frontend.Start(ctx, s.wg); err != nil {
		t.Fatal("failed to start frontend:", err)
	}
	t.Cleanup(s.stop)
}

func (s *testServer) stop() {
	s.cancel()
	s.wg.Wait()
}

func startTestFrontend(t *testing.T) *testServer {
	s := newTestFrontend(t)
	s.start(t)
	return s
}

func (s *testServer) nextEvent(t *testing.T) peer.ConnectionEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	e, err := s.events.Pop(ctx)
	if err != nil {
		t.Fatalf("timed out waiting for a connection event: %v", err)
	}
	return e
}

type testClient struct {
	conn  *net.TCPConn
	codec *protocol.Codec
}

func dial(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, addr.(*net.TCPAddr))
	if err != nil {
		t.Fatal("failed to connect to", addr.String())
	}
	_ = conn.SetDeadline(time.Now().Add(testTimeout))
	t.Cleanup(func() { conn.Close() })

	return &testClient{conn: conn, codec: protocol.NewCodec(conn, protocol.CodecOptions{})}
}

func (c *testClient) send(t *testing.T, payloads ...protocol.Payload) {
	t.Helper()
	for _, p := range payloads {
		if err := c.codec.Buffer(p); err != nil {
			t.Fatalf("failed to buffer %T: %v", p, err)
		}
	}
	if err := c.codec.Flush(); err != nil {
		t.Fatal("failed to write to connection:", err)
	}
}

func (c *testClient) receive(t *testing.T) protocol.Payload {
	t.Helper()
	p, err := c.codec.Next()
	if err != nil {
		t.Fatal("failed to read from connection:", err)
	}
	return p
}

// expectClosed asserts that the server ends the stream without sending anything else.
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	p, err := c.codec.Next()
	if err == nil {
		t.Fatalf("expected the connection to be closed, got %T", p)
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !isReset(err) {
		t.Fatalf("expected the connection to be closed, got %v", err)
	}
}

func isReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

func (c *testClient) login(t *testing.T, login string) *protocol.AuthResponse {
	t.Helper()
	c.send(t, &protocol.AuthRequest{Login: login, Password: "hunter2"})
	resp, ok := c.receive(t).(*protocol.AuthResponse)
	if !ok {
		t.Fatal("expected an AuthResponse")
	}
	return resp
}

func TestConnection_Admitted(t *testing.T) {
	s := startTestFrontend(t)

	for id := uint32(0); id < 3; id++ {
		client := dial(t, s.frontend.Addr())
		resp := client.login(t, "sonic")

		want := &protocol.AuthResponse{Status: protocol.StatusSuccess, Result: &protocol.AuthResult{UserID: id}}
		if diff := deep.Equal(want, resp); diff != nil {
			t.Error(diff)
		}
		if e := s.nextEvent(t); e != (peer.ConnectionEvent{Kind: peer.Connected, ID: peer.PeerID(id)}) {
			t.Errorf("expected Connected(%d), got %v", id, e)
		}
	}

	if s.registry.Len() != 3 {
		t.Errorf("expected 3 connected peers, got %d", s.registry.Len())
	}
}

func TestConnection_Rejected(t *testing.T) {
	tests := map[string]struct {
		request  protocol.Payload
		verifier auth.Verifier
		want     protocol.Status
	}{
		"not an auth request": {
			request: &protocol.AuthResponse{Status: protocol.StatusSuccess},
			want:    protocol.StatusInvalidCredentials,
		},
		"bad password": {
			request: &protocol.AuthRequest{Login: "sonic", Password: "wrong"},
			verifier: auth.VerifierFunc(func(login, password string) bool {
				return password == "hunter2"
			}),
			want: protocol.StatusInvalidCredentials,
		},
		"banned": {
			request: &protocol.AuthRequest{Login: "Mallory", Password: "hunter2"},
			want:    protocol.StatusBanned,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestFrontend(t)
			if tt.verifier != nil {
				s.frontend.Verifier = tt.verifier
			}
			s.frontend.Bans.Ban("mallory", 0)
			s.start(t)

			client := dial(t, s.frontend.Addr())
			client.send(t, tt.request)

			resp, ok := client.receive(t).(*protocol.AuthResponse)
			if !ok {
				t.Fatal("expected an AuthResponse")
			}
			if diff := deep.Equal(&protocol.AuthResponse{Status: tt.want}, resp); diff != nil {
				t.Error(diff)
			}
			client.expectClosed(t)

			if !s.registry.Empty() {
				t.Errorf("expected no peers to be admitted, got %v", s.registry.IDs())
			}
		})
	}
}

func TestConnection_ServerIsFull(t *testing.T) {
	s := startTestFrontend(t)

	for i := 0; i < peer.Capacity; i++ {
		if _, ok := s.registry.Admit(peer.NewMailbox[protocol.Payload]()); !ok {
			t.Fatalf("failed to admit peer %d", i)
		}
	}

	client := dial(t, s.frontend.Addr())
	resp := client.login(t, "sonic")
	if diff := deep.Equal(&protocol.AuthResponse{Status: protocol.StatusServerIsFull}, resp); diff != nil {
		t.Error(diff)
	}
	client.expectClosed(t)

	if s.registry.Len() != peer.Capacity {
		t.Errorf("expected the registry to stay full, got %d peers", s.registry.Len())
	}
}

func TestConnection_ClosedBeforeAuthorization(t *testing.T) {
	s := startTestFrontend(t)

	client := dial(t, s.frontend.Addr())
	if err := client.conn.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	client.expectClosed(t)

	if s.events.Len() != 0 {
		t.Errorf("expected no connection events, got %d", s.events.Len())
	}
}

func TestConnection_DisconnectReleasesID(t *testing.T) {
	s := startTestFrontend(t)

	client := dial(t, s.frontend.Addr())
	client.login(t, "sonic")
	_ = client.conn.Close()

	got := []peer.ConnectionEvent{s.nextEvent(t), s.nextEvent(t)}
	want := []peer.ConnectionEvent{
		{Kind: peer.Connected, ID: 0},
		{Kind: peer.Disconnected, ID: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected events; diff:\n%s", diff)
	}

	// The released ID goes to the next client.
	next := dial(t, s.frontend.Addr())
	if resp := next.login(t, "tails"); resp.Result == nil || resp.Result.UserID != 0 {
		t.Errorf("expected the next client to get ID 0, got %+v", resp)
	}
}

func TestConnection_PanicReleasesID(t *testing.T) {
	s := newTestFrontend(t)
	server, client := newTestConnections(t)

	c := s.frontend.newConnection(server)
	c.codec = protocol.NewCodec(server, protocol.CodecOptions{
		Trace: func(d protocol.Direction, _ protocol.Frame) {
			if d == protocol.Outbound {
				panic("trace failed")
			}
		},
	})

	clientCodec := protocol.NewCodec(client, protocol.CodecOptions{})
	_ = clientCodec.Buffer(&protocol.AuthRequest{Login: "sonic"})
	if err := clientCodec.Flush(); err != nil {
		t.Fatal(err)
	}

	func() {
		defer s.frontend.closeConnectionAndRecover(c)
		_ = c.Serve(context.Background())
	}()

	if !s.registry.Empty() {
		t.Errorf("expected the ID to be released, registry holds %v", s.registry.IDs())
	}
	got := []peer.ConnectionEvent{s.nextEvent(t), s.nextEvent(t)}
	want := []peer.ConnectionEvent{
		{Kind: peer.Connected, ID: 0},
		{Kind: peer.Disconnected, ID: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected events; diff:\n%s", diff)
	}
}

func TestFrontend_ShutdownClosesSessions(t *testing.T) {
	s := newTestFrontend(t)
	s.start(t)

	client := dial(t, s.frontend.Addr())
	client.login(t, "sonic")
	s.nextEvent(t)

	done := make(chan struct{})
	go func() {
		s.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the frontend to shut down")
	}

	client.expectClosed(t)
	if e := s.nextEvent(t); e != (peer.ConnectionEvent{Kind: peer.Disconnected, ID: 0}) {
		t.Errorf("expected Disconnected(0), got %v", e)
	}
}

func TestFrontend_ShutdownWithPendingHandshake(t *testing.T) {
	s := newTestFrontend(t)
	s.start(t)

	// Connected but never sends its AuthRequest.
	client := dial(t, s.frontend.Addr())
	// Make sure the connection has been accepted before shutting down.
	s.waitForAccepted(t)

	done := make(chan struct{})
	go func() {
		s.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("shutdown blocked by a connection that hasn't authorized yet")
	}

	client.expectClosed(t)
	if s.events.Len() != 0 {
		t.Errorf("expected no connection events, got %d", s.events.Len())
	}
}

// waitForAccepted blocks until the frontend has logged an accepted connection.
func (s *testServer) waitForAccepted(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		for _, e := range s.logs.AllEntries() {
			if e.Message == "accepted connection" {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for the connection to be accepted")
}

// newTestConnections returns both ends of a loopback TCP connection.
func newTestConnections(t *testing.T) (server *net.TCPConn, client *net.TCPConn) {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error initializing test listener: %v", err)
	}
	defer listener.Close()

	client, err = net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("error initializing test connection: %v", err)
	}
	server, err = listener.AcceptTCP()
	if err != nil {
		t.Fatalf("error accepting test connection: %v", err)
	}
	_ = client.SetDeadline(time.Now().Add(testTimeout))
	_ = server.SetDeadline(time.Now().Add(testTimeout))
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}
