// Package peer keeps track of the clients that have been admitted to the server.
package peer

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/dcrodman/embercore/internal/protocol"
)

// Capacity is the maximum number of peers that can be connected at once.
const Capacity = 64

// PeerID identifies a connected peer. IDs are in [0, Capacity) and are reused
// once their peer disconnects, lowest first.
type PeerID uint32

// Outbox is the queue of payloads waiting to be sent to a peer.
type Outbox = Mailbox[protocol.Payload]

// Response is a payload received from a peer, tagged with the peer that sent it.
type Response struct {
	ID      PeerID
	Payload protocol.Payload
}

// EventKind distinguishes the two kinds of ConnectionEvent.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
)

// ConnectionEvent is emitted by the Registry whenever a peer is admitted or released.
type ConnectionEvent struct {
	Kind EventKind
	ID   PeerID
}

func (e ConnectionEvent) String() string {
	switch e.Kind {
	case Connected:
		return fmt.Sprintf("Connected(%d)", e.ID)
	case Disconnected:
		return fmt.Sprintf("Disconnected(%d)", e.ID)
	default:
		return fmt.Sprintf("EventKind(%d)(%d)", int(e.Kind), e.ID)
	}
}

// Registry is a fixed-size table of connected peers, mapping each PeerID to the
// Outbox used to send to it. All methods are safe for concurrent use; the internal
// lock is only held for the duration of each call.
type Registry struct {
	mu sync.Mutex
	// Bit i is set while slot i is free.
	free  uint64
	slots [Capacity]*Outbox

	events *Mailbox[ConnectionEvent]
}

// NewRegistry returns an empty Registry that reports connects and disconnects to events.
func NewRegistry(events *Mailbox[ConnectionEvent]) *Registry {
	return &Registry{
		free:   ^uint64(0),
		events: events,
	}
}

// Admit assigns the lowest free PeerID to outbox. It fails if the registry is full or
// if outbox has already been admitted. The returned Lease owns the ID until released.
func (r *Registry) Admit(outbox *Outbox) (*Lease, bool) {
	if outbox == nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.free == 0 || r.admitted(outbox) {
		return nil, false
	}

	id := PeerID(bits.TrailingZeros64(r.free))
	r.free &^= 1 << id
	r.slots[id] = outbox
	r.emit(ConnectionEvent{Kind: Connected, ID: id})

	return &Lease{id: id, registry: r}, true
}

// Release frees id. It returns false if id wasn't in use.
func (r *Registry) Release(id PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.contains(id) {
		return false
	}

	r.slots[id] = nil
	r.free |= 1 << id
	r.emit(ConnectionEvent{Kind: Disconnected, ID: id})
	return true
}

// Contains reports whether id belongs to a connected peer.
func (r *Registry) Contains(id PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contains(id)
}

// Len returns the number of connected peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Capacity - bits.OnesCount64(r.free)
}

func (r *Registry) Full() bool  { return r.Len() == Capacity }
func (r *Registry) Empty() bool { return r.Len() == 0 }

// Range calls fn for every connected peer in ascending ID order until fn returns false.
// fn runs with the registry locked and must not call back into it.
func (r *Registry) Range(fn func(id PeerID, outbox *Outbox) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for occupied := ^r.free; occupied != 0; occupied &= occupied - 1 {
		id := PeerID(bits.TrailingZeros64(occupied))
		if !fn(id, r.slots[id]) {
			return
		}
	}
}

// IDs returns the IDs of all connected peers in ascending order.
func (r *Registry) IDs() []PeerID {
	var ids []PeerID
	r.Range(func(id PeerID, _ *Outbox) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Send queues payload for the peer with the given id. It returns false if there is no
// such peer or its outbox has been closed.
func (r *Registry) Send(id PeerID, payload protocol.Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.contains(id) {
		return false
	}
	return r.slots[id].Push(payload) == nil
}

// Broadcast queues payload for every connected peer and returns how many accepted it.
func (r *Registry) Broadcast(payload protocol.Payload) int {
	sent := 0
	r.Range(func(_ PeerID, outbox *Outbox) bool {
		if outbox.Push(payload) == nil {
			sent++
		}
		return true
	})
	return sent
}

func (r *Registry) contains(id PeerID) bool {
	return id < Capacity && r.free&(1<<id) == 0
}

func (r *Registry) admitted(outbox *Outbox) bool {
	for occupied := ^r.free; occupied != 0; occupied &= occupied - 1 {
		if r.slots[bits.TrailingZeros64(occupied)] == outbox {
			return true
		}
	}
	return false
}

// emit is called with r.mu held so that events are queued in the order the
// registry changed.
func (r *Registry) emit(e ConnectionEvent) {
	if r.events == nil {
		return
	}
	// A closed event queue means the simulation has stopped; nobody is left to tell.
	_ = r.events.Push(e)
}

// Lease is the ownership handle for an admitted PeerID. Whoever holds it is
// responsible for calling Release, typically in a defer so that the ID is returned
// on every exit path.
type Lease struct {
	id       PeerID
	registry *Registry
	once     sync.Once
}

func (l *Lease) ID() PeerID { return l.id }

// Release returns the ID to the registry. It is safe to call on a nil Lease and more
// than once; only the first call on a live lease returns true.
func (l *Lease) Release() bool {
	if l == nil {
		return false
	}
	released := false
	l.once.Do(func() {
		released = l.registry.Release(l.id)
	})
	return released
}
