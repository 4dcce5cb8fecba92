package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/embercore/internal/auth"
	"github.com/dcrodman/embercore/internal/core"
	"github.com/dcrodman/embercore/internal/core/debug"
	"github.com/dcrodman/embercore/internal/game"
	"github.com/dcrodman/embercore/internal/peer"
	"github.com/dcrodman/embercore/internal/server"
)

// Controller is the main entrypoint for embercore. It's responsible for initializing
// any shared resources (such as the peer registry and logging), defining the frontend
// and the simulation loop, and launching everything.
type Controller struct {
	Config *core.Config
	// Verifier checks client credentials. Every login is accepted if nil.
	Verifier auth.Verifier
	// Logger is built from Config if nil.
	Logger *logrus.Logger
	// World is advanced by the simulation loop. A game.Arena is used if nil.
	World game.World

	wg          sync.WaitGroup
	startedOnce sync.Once
	started     chan struct{}
	signalOnce  sync.Once

	events    *peer.Mailbox[peer.ConnectionEvent]
	responses *peer.Mailbox[peer.Response]
	registry  *peer.Registry
	bans      *auth.BanList
	frontend  *server.Frontend
	loop      *game.Loop
}

// Start runs the server until ctx is cancelled or the simulation loop fails. A
// cancelled context is reported as context.Canceled.
func (c *Controller) Start(ctx context.Context) error {
	// Addr must not block forever if we fail before listening.
	defer c.signalStarted()

	if err := c.init(); err != nil {
		return err
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		debug.StartPprofServer(c.Logger, c.Config.Debugging.PprofPort)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.frontend.Start(ctx, &c.wg); err != nil {
		return fmt.Errorf("error starting frontend: %w", err)
	}
	c.signalStarted()

	err := c.loop.Run(ctx)
	if errors.Is(err, game.ErrQueueClosed) {
		c.Logger.Errorf("simulation stopped: %v", err)
	}

	c.shutdown(cancel)
	return err
}

// Addr returns the address clients connect to. It blocks until the frontend is
// listening and returns nil if Start failed before that.
func (c *Controller) Addr() net.Addr {
	<-c.startedCh()
	if c.frontend == nil {
		return nil
	}
	return c.frontend.Addr()
}

func (c *Controller) startedCh() chan struct{} {
	c.startedOnce.Do(func() { c.started = make(chan struct{}) })
	return c.started
}

func (c *Controller) signalStarted() {
	c.signalOnce.Do(func() { close(c.startedCh()) })
}

// Registry returns the set of connected peers.
func (c *Controller) Registry() *peer.Registry {
	return c.registry
}

// Bans returns the list of logins that are refused admission.
func (c *Controller) Bans() *auth.BanList {
	return c.bans
}

func (c *Controller) init() error {
	if c.Logger == nil {
		logger, err := core.NewLogger(c.Config)
		if err != nil {
			return fmt.Errorf("error initializing logger: %w", err)
		}
		c.Logger = logger
	}

	if c.World == nil {
		c.World = game.NewArena(c.Logger)
	}

	c.events = peer.NewMailbox[peer.ConnectionEvent]()
	c.responses = peer.NewMailbox[peer.Response]()
	c.registry = peer.NewRegistry(c.events)

	c.bans = auth.NewBanList(c.Config.Auth.BanDuration)
	for _, login := range c.Config.Auth.BannedLogins {
		c.bans.Ban(login, auth.Permanent)
	}

	c.frontend = &server.Frontend{
		Address:   c.Config.Address(),
		Registry:  c.registry,
		Responses: c.responses,
		Verifier:  c.Verifier,
		Bans:      c.bans,
		Config:    c.Config,
		Logger:    c.Logger,
	}

	c.loop = &game.Loop{
		Events:        c.events,
		Responses:     c.responses,
		World:         c.World,
		Logger:        c.Logger.WithField("component", "simulation"),
		Period:        c.Config.Simulation.TickPeriod,
		EventBurst:    c.Config.Simulation.EventBurst,
		ResponseBurst: c.Config.Simulation.ResponseBurst,
	}

	return nil
}

// shutdown waits for every connection to close before closing the shared queues so
// that sessions never push into a closed mailbox.
func (c *Controller) shutdown(cancel context.CancelFunc) {
	cancel()
	c.wg.Wait()

	c.events.Close()
	c.responses.Close()
	c.Logger.Info("shut down")
}
