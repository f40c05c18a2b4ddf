package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxstream/internal/consumer"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/player"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// GatewayJoiner connects the bot to voice channels on behalf of clients that
// advertised [FeatureDiscordBot].
type GatewayJoiner interface {
	// Join connects to channelID in guildID and returns the voice peer that
	// will poll the session.
	Join(ctx context.Context, guildID, channelID string) (consumer.GatewayPeer, error)

	// Leave disconnects from guildID. It is a no-op when not connected.
	Leave(guildID string)
}

// Config holds the dependencies of a [Server].
type Config struct {
	// Manager owns the playback sessions. Required.
	Manager *player.Manager

	// Tracks resolves queries for the resolve command. Required.
	Tracks *track.Service

	// Gateway joins voice channels for the connect command. Optional; without
	// it connect is rejected.
	Gateway GatewayJoiner

	// AllowedOrigins restricts browser origins. Empty disables origin checks,
	// which is what bot clients need.
	AllowedOrigins []string

	// UpdateInterval between player_update messages. Default: 500ms.
	UpdateInterval time.Duration

	// StatsInterval between statistics messages. Default: 5s.
	StatsInterval time.Duration

	// HandshakeTimeout bounds the wait for hello. Default: 10s.
	HandshakeTimeout time.Duration

	// SendQueue bounds the per-client outbound queue. Default: 1024.
	SendQueue int

	// Metrics records connection counts and dropped frames. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 500 * time.Millisecond
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 1024
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// Server is the WebSocket endpoint. It implements [http.Handler] and
// [expiry.Notifier].
type Server struct {
	cfg Config

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup

	statsInterval atomic.Int64
}

var _ http.Handler = (*Server)(nil)

// New creates a Server.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Manager == nil {
		errs = append(errs, errors.New("transport: manager is required"))
	}
	if cfg.Tracks == nil {
		errs = append(errs, errors.New("transport: track service is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	s := &Server{cfg: cfg, clients: make(map[string]*client)}
	s.statsInterval.Store(int64(cfg.StatsInterval))
	return s, nil
}

// SetStatsInterval changes the statistics interval for every client. It takes
// effect after each client's next statistics message. Non-positive values are
// ignored.
func (s *Server) SetStatsInterval(d time.Duration) {
	if d > 0 {
		s.statsInterval.Store(int64(d))
	}
}

// StatsInterval returns the current statistics interval.
func (s *Server) StatsInterval() time.Duration {
	return time.Duration(s.statsInterval.Load())
}

// ServeHTTP upgrades the request and serves the client until it disconnects
// or the server closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: len(s.cfg.AllowedOrigins) == 0,
		OriginPatterns:     s.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("transport: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &client{
		id:     uuid.NewString(),
		srv:    s,
		conn:   conn,
		out:    make(chan outbound, s.cfg.SendQueue),
		cancel: cancel,
		guilds: make(map[string]struct{}),
	}
	c.log = slog.With("client_id", c.id, "remote", r.RemoteAddr)

	err = c.serve(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "bye")
	case websocket.CloseStatus(err) != -1:
		conn.CloseNow()
	default:
		c.log.Warn("transport: client terminated", "err", err)
		conn.Close(websocket.StatusInternalError, "internal error")
	}
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

func (s *Server) client(id string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

// HandleEvent forwards a session lifecycle event to the owning client. It
// never blocks; it is meant as the [player.Config] OnEvent hook.
func (s *Server) HandleEvent(sess *player.Session, e audio.Event) {
	if sess == nil {
		return
	}
	c := s.client(sess.Owner())
	if c == nil {
		return
	}
	c.send(TypeEvent, "", newEventMessage(e))
}

// NotifyExpired broadcasts an eviction batch to every client.
func (s *Server) NotifyExpired(_ context.Context, msg CacheExpire) {
	if len(msg.TrackIDs) == 0 && len(msg.URIs) == 0 {
		return
	}
	if msg.TrackIDs == nil {
		msg.TrackIDs = []track.ID{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.send(TypeCacheExpire, "", msg)
	}
}

// Len returns the number of connected clients.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and waits for their handlers to return. New
// connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.clients {
		c.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
