// Package game drives the simulation. The Loop is the only goroutine that touches
// the World; everything it learns about the network arrives through mailboxes.
package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/embercore/internal/peer"
)

// ErrQueueClosed is returned by the Loop once one of the queues it drains has been
// closed, which only happens when the server is shutting down.
var ErrQueueClosed = errors.New("simulation queue closed")

// World is the game state advanced by the Loop.
type World interface {
	// CreateEntity adds the entity controlled by a newly connected peer.
	CreateEntity(id peer.PeerID)
	// DestroyEntity removes the entity of a peer that disconnected.
	DestroyEntity(id peer.PeerID)
	// Tick advances the world by dt seconds.
	Tick(dt float64)
}

// Loop is the fixed-period simulation driver.
type Loop struct {
	Events    *peer.Mailbox[peer.ConnectionEvent]
	Responses *peer.Mailbox[peer.Response]
	World     World
	Logger    logrus.FieldLogger

	// Period is the time between ticks.
	Period time.Duration
	// EventBurst and ResponseBurst cap how many items are taken off each queue per tick.
	EventBurst    int
	ResponseBurst int

	lastTick time.Time
}

// Run ticks the loop every Period until ctx is cancelled or a queue is closed.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.Period)
	defer ticker.Stop()

	l.lastTick = time.Now()
	l.Logger.Infof("simulation running every %v", l.Period)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// The world advances by elapsed wall-clock time, not by Period.
			if err := l.Step(time.Now()); err != nil {
				return err
			}
		}
	}
}

// Step runs a single tick at time now: connection events first, then client
// messages, then the world itself.
func (l *Loop) Step(now time.Time) error {
	if err := l.handleConnectionEvents(); err != nil {
		return err
	}
	if err := l.handleResponses(); err != nil {
		return err
	}

	if l.lastTick.IsZero() {
		l.lastTick = now
	}
	dt := now.Sub(l.lastTick)
	l.lastTick = now

	l.World.Tick(dt.Seconds())
	return nil
}

func (l *Loop) handleConnectionEvents() error {
	for i := 0; i < l.EventBurst; i++ {
		event, ok, err := l.Events.TryPop()
		if err != nil {
			return fmt.Errorf("connection events: %w", ErrQueueClosed)
		}
		if !ok {
			return nil
		}

		switch event.Kind {
		case peer.Connected:
			l.World.CreateEntity(event.ID)
		case peer.Disconnected:
			l.World.DestroyEntity(event.ID)
		default:
			l.Logger.Warnf("ignoring unknown connection event %v", event)
		}
	}
	return nil
}

func (l *Loop) handleResponses() error {
	for i := 0; i < l.ResponseBurst; i++ {
		response, ok, err := l.Responses.TryPop()
		if err != nil {
			return fmt.Errorf("responses: %w", ErrQueueClosed)
		}
		if !ok {
			return nil
		}

		// TODO: dispatch gameplay payloads to the world once the protocol defines any.
		l.Logger.WithField("peer", response.ID).Debugf("received %T", response.Payload)
	}
	return nil
}
