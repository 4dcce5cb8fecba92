// Package server accepts client connections and runs each of them through
// authorization and, once admitted, a session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/embercore/internal/auth"
	"github.com/dcrodman/embercore/internal/core"
	coredebug "github.com/dcrodman/embercore/internal/core/debug"
	"github.com/dcrodman/embercore/internal/peer"
	"github.com/dcrodman/embercore/internal/protocol"
)

// Frontend implements the concurrent client connection logic.
//
// Every accepted connection gets its own goroutine, which authorizes the client
// against the Registry and then exchanges frames with it until it disconnects.
type Frontend struct {
	Address   string
	Registry  *peer.Registry
	Responses *peer.Mailbox[peer.Response]
	Verifier  auth.Verifier
	Bans      *auth.BanList
	Config    *core.Config
	Logger    *logrus.Logger

	listener *net.TCPListener
}

// Start opens a TCP socket on Address. A blocking loop for accepting client
// connections is spun off in its own goroutine and added to the WaitGroup.
// Context cancellations will stop the server.
func (f *Frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %w", f.Address, err)
	}
	f.listener = socket

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// Addr returns the address the frontend is listening on once started.
func (f *Frontend) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// createSocket opens a TCP socket to listen for client connections on the Address
// provided to the frontend.
func (f *Frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address: %w", err)
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}

	return socket, nil
}

// startBlockingLoop implements a connection handling loop that's purely responsible for
// accepting new connections and spinning off goroutines to handle them. Connections
// keep being accepted when the registry is full so that clients are told why they
// can't get in.
func (f *Frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Infof("waiting for connections on %v", socket.Addr())

	go func() {
		<-ctx.Done()
		_ = socket.Close()
	}()

	clientWg := &sync.WaitGroup{}
	for {
		connection, err := socket.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			f.Logger.Warnf("failed to accept connection: %s", err.Error())
			continue
		}

		clientWg.Add(1)
		go func() {
			defer clientWg.Done()
			f.acceptClient(ctx, connection)
		}()
	}

	f.Logger.Info("shutting down (waiting for connections to close)")
	clientWg.Wait()
	f.Logger.Info("exited")
}

// acceptClient sets up the Connection for a newly accepted socket and runs it until
// it closes.
func (f *Frontend) acceptClient(ctx context.Context, conn net.Conn) {
	c := f.newConnection(conn)
	defer f.closeConnectionAndRecover(c)

	// Unblocks a client that is still in the middle of authorizing when the server stops.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.logger.Info("accepted connection")

	if err := c.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warnf("error in client communication: %v", err)
	}
}

func (f *Frontend) newConnection(conn net.Conn) *Connection {
	logger := f.Logger.WithFields(logrus.Fields{
		"session": uuid.NewString(),
		"remote":  conn.RemoteAddr().String(),
	})

	opts := protocol.CodecOptions{
		ReadIncrement: f.Config.Session.ReadBufferIncrement,
		MaxFrameSize:  f.Config.Protocol.MaxFrameSize,
	}
	if f.Config.Debugging.PacketLoggingEnabled {
		opts.Trace = coredebug.FrameTracer(logger)
	}

	verifier := f.Verifier
	if verifier == nil {
		verifier = auth.AllowAll{}
	}

	return &Connection{
		conn:          conn,
		codec:         protocol.NewCodec(conn, opts),
		registry:      f.Registry,
		responses:     f.Responses,
		verifier:      verifier,
		bans:          f.Bans,
		outboundBurst: f.Config.Session.OutboundBurst,
		logger:        logger,
		outbox:        peer.NewMailbox[protocol.Payload](),
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics, disconnects the
// client, and returns its peer ID regardless of the state of the connection.
func (f *Frontend) closeConnectionAndRecover(c *Connection) {
	if err := recover(); err != nil {
		c.logger.Errorf("error in client communication: error=%s, trace: %s", err, debug.Stack())
	}

	if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warnf("failed to close client connection: %s", err)
	}

	c.logger.Info("disconnected")
}
