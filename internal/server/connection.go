package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/embercore/internal/auth"
	"github.com/dcrodman/embercore/internal/peer"
	"github.com/dcrodman/embercore/internal/protocol"
)

type connectionState int

const (
	// Waiting for the client's AuthRequest.
	waitingAuthorization connectionState = iota
	// An AuthResponse is buffered and has to reach the client before anything else happens.
	respondingAuthorization
	// Admitted; the connection now runs as a session.
	connected
)

// Connection is a single client connection, from the moment it is accepted until it
// closes. It authenticates the client and, if it is admitted, turns into a session.
type Connection struct {
	conn  net.Conn
	codec *protocol.Codec

	registry  *peer.Registry
	responses *peer.Mailbox[peer.Response]
	verifier  auth.Verifier
	bans      *auth.BanList

	outboundBurst int
	logger        *logrus.Entry

	state    connectionState
	admitted bool
	// Queue of payloads for this client; handed to the registry on admission.
	outbox *peer.Outbox
	lease  *peer.Lease
}

// Serve runs the connection to completion. It returns nil if the client went away
// cleanly or was turned away after its AuthResponse was delivered.
func (c *Connection) Serve(ctx context.Context) error {
	for {
		switch c.state {
		case waitingAuthorization:
			if err := c.authorize(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("waiting for authorization: %w", err)
			}

		case respondingAuthorization:
			if err := c.codec.Flush(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("sending authorization response: %w", err)
			}
			if !c.admitted {
				return nil
			}
			c.state = connected

		case connected:
			s := &session{
				id:        c.lease.ID(),
				conn:      c.conn,
				codec:     c.codec,
				outbox:    c.outbox,
				responses: c.responses,
				burst:     c.outboundBurst,
				logger:    c.logger,
			}
			return s.run(ctx)
		}
	}
}

// authorize reads the client's first message and decides whether to admit it.
func (c *Connection) authorize() error {
	payload, err := c.codec.Next()
	if err != nil {
		return err
	}

	request, ok := payload.(*protocol.AuthRequest)
	if !ok {
		c.logger.Warnf("expected an auth request, got %T", payload)
		return c.respond(protocol.StatusInvalidCredentials, nil)
	}

	c.logger = c.logger.WithField("login", request.Login)

	if c.bans.IsBanned(request.Login) {
		c.logger.Info("rejected banned login")
		return c.respond(protocol.StatusBanned, nil)
	}
	if !c.verifier.Verify(request.Login, request.Password) {
		c.logger.Info("rejected invalid credentials")
		return c.respond(protocol.StatusInvalidCredentials, nil)
	}

	lease, ok := c.registry.Admit(c.outbox)
	if !ok {
		c.logger.Info("rejected connection: server is full")
		return c.respond(protocol.StatusServerIsFull, nil)
	}
	c.lease = lease
	c.logger = c.logger.WithField("peer", lease.ID())
	c.logger.Info("admitted")

	return c.respond(protocol.StatusSuccess, &protocol.AuthResult{UserID: uint32(lease.ID())})
}

func (c *Connection) respond(status protocol.Status, result *protocol.AuthResult) error {
	c.state = respondingAuthorization
	c.admitted = status == protocol.StatusSuccess

	return c.codec.Buffer(&protocol.AuthResponse{Status: status, Result: result})
}

// close releases everything the connection owns. It is safe to call at any point
// in the connection's life.
func (c *Connection) close() error {
	if c.lease.Release() {
		c.logger.Debug("released peer ID")
	}
	c.outbox.Close()
	return c.conn.Close()
}
