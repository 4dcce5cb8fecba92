package game

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/embercore/internal/peer"
)

// Player is the entity controlled by a connected peer.
type Player struct {
	ID       peer.PeerID
	Position mgl64.Vec2
	Velocity mgl64.Vec2
}

// Arena is the default World: a flat plane on which every player moves at a
// constant velocity.
type Arena struct {
	players map[peer.PeerID]*Player
	elapsed float64
	logger  logrus.FieldLogger
}

func NewArena(logger logrus.FieldLogger) *Arena {
	return &Arena{
		players: make(map[peer.PeerID]*Player),
		logger:  logger,
	}
}

func (a *Arena) CreateEntity(id peer.PeerID) {
	if _, ok := a.players[id]; ok {
		a.logger.Warnf("player %d already exists; keeping it", id)
		return
	}
	a.players[id] = &Player{ID: id}
	a.logger.Infof("player connected: %d", id)
}

func (a *Arena) DestroyEntity(id peer.PeerID) {
	if _, ok := a.players[id]; !ok {
		a.logger.Warnf("no player %d to remove", id)
		return
	}
	delete(a.players, id)
	a.logger.Infof("player disconnected: %d", id)
}

// Tick moves every player along its velocity for dt seconds.
func (a *Arena) Tick(dt float64) {
	a.elapsed += dt
	for _, p := range a.players {
		p.Position = p.Position.Add(p.Velocity.Mul(dt))
	}
}

// Player returns the player belonging to id.
func (a *Arena) Player(id peer.PeerID) (*Player, bool) {
	p, ok := a.players[id]
	return p, ok
}

// SetVelocity changes the velocity of the player belonging to id.
func (a *Arena) SetVelocity(id peer.PeerID, v mgl64.Vec2) bool {
	p, ok := a.players[id]
	if ok {
		p.Velocity = v
	}
	return ok
}

// Len returns the number of players in the arena.
func (a *Arena) Len() int { return len(a.players) }

// Elapsed returns the total simulated time in seconds.
func (a *Arena) Elapsed() float64 { return a.elapsed }
