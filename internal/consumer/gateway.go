package consumer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxstream/pkg/audio"
)

var _ Strategy = (*Gateway)(nil)

// GatewayPeer is a voice-gateway connection that pulls frames on its own
// schedule. [discord.Connection] implements it.
type GatewayPeer interface {
	// Attach makes the peer poll src until Detach.
	Attach(src audio.FrameSource)

	// Detach stops polling.
	Detach()
}

// Gateway is the reactive delivery strategy: the peer polls the source
// directly and the strategy owns no goroutines. The peer may be attached
// before or after Start, and replaced when the bot moves channels.
type Gateway struct {
	guildID string
	src     audio.FrameSource

	mu      sync.Mutex
	peer    GatewayPeer
	started bool
}

// NewGateway creates a gateway strategy for src.
func NewGateway(guildID string, src audio.FrameSource) *Gateway {
	return &Gateway{guildID: guildID, src: src}
}

// Start attaches the source to the current peer, if any.
func (g *Gateway) Start(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = true
	if g.peer != nil {
		g.peer.Attach(g.src)
	}
	slog.Debug("consumer: gateway started", "guild_id", g.guildID, "peer", g.peer != nil)
	return nil
}

// SetPeer replaces the voice peer. The previous peer is detached; the new one
// is attached immediately when the strategy is running. A nil peer only
// detaches.
func (g *Gateway) SetPeer(p GatewayPeer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peer != nil && g.peer != p {
		g.peer.Detach()
	}
	g.peer = p
	if p != nil && g.started {
		p.Attach(g.src)
	}
}

// Peer returns the attached voice peer, or nil.
func (g *Gateway) Peer() GatewayPeer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peer
}

// Stop detaches the peer.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return
	}
	g.started = false
	if g.peer != nil {
		g.peer.Detach()
	}
	slog.Debug("consumer: gateway stopped", "guild_id", g.guildID)
}

// Source returns the frame source.
func (g *Gateway) Source() audio.FrameSource { return g.src }
