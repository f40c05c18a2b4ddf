// Package player keeps the registry of per-guild playback sessions. Each
// session couples a [streamer.Controller] with the delivery strategy of the
// client that owns it.
//
// Exactly one session exists per guild. It is created on first reference and
// destroyed when its owner goes away or asks for it; destroying a session with
// a live track ends that track with [audio.EndCleanup].
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxstream/internal/consumer"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/streamer"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// DefaultVolume is the initial per-client volume applied to each new track.
const DefaultVolume = 0.1

var (
	// ErrGuildOwned is returned when a guild already has a session owned by
	// another client.
	ErrGuildOwned = errors.New("player: guild is owned by another client")

	// ErrNoSession is returned when a guild has no session.
	ErrNoSession = errors.New("player: no session for guild")
)

// StrategyFactory builds the delivery strategy for a new session.
type StrategyFactory func(guildID string, src audio.FrameSource) consumer.Strategy

// SessionOptions describes a session to create.
type SessionOptions struct {
	// Owner identifies the client; sessions of one owner can be destroyed
	// together.
	Owner string

	// DefaultVolume applied to every new track. Zero selects [DefaultVolume].
	DefaultVolume float64

	// Strategy builds the delivery strategy. Required.
	Strategy StrategyFactory
}

// Stats aggregates manager-wide statistics, published as statistics.
type Stats struct {
	Sessions      int           `json:"sessions"`
	Playing       int           `json:"playing"`
	Paused        int           `json:"paused"`
	TrackedTracks int           `json:"tracked_tracks"`
	CacheBytes    int64         `json:"cache_bytes"`
	Uptime        time.Duration `json:"uptime"`
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Streamer is the template for every session's controller. GuildID and
	// Listener are filled in per session.
	Streamer streamer.Config

	// Tracks resolves track ids for [Session.Play].
	Tracks *track.Registry

	// OnEvent receives every lifecycle event of every session. It is called
	// synchronously from pipeline goroutines and must not block.
	OnEvent func(s *Session, e audio.Event)

	// CacheSize reports the PCM cache size for statistics. Optional.
	CacheSize func() (int64, error)

	// Metrics records the active session gauge. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager owns all playback sessions. All methods are safe for concurrent
// use.
type Manager struct {
	cfg     Config
	started time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:      cfg,
		started:  time.Now(),
		sessions: make(map[string]*Session),
	}
}

// Session returns the session of guildID, creating and starting it when it
// does not exist yet. An existing session owned by a different client yields
// [ErrGuildOwned].
func (m *Manager) Session(ctx context.Context, guildID string, opts SessionOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[guildID]; ok {
		if s.owner != opts.Owner {
			return nil, fmt.Errorf("%w: %s", ErrGuildOwned, guildID)
		}
		return s, nil
	}
	if opts.Strategy == nil {
		return nil, errors.New("player: session options need a strategy factory")
	}

	s := &Session{
		id:        uuid.NewString(),
		guildID:   guildID,
		owner:     opts.Owner,
		createdAt: time.Now(),
		tracks:    m.cfg.Tracks,
	}

	scfg := m.cfg.Streamer
	scfg.GuildID = guildID
	scfg.DefaultVolume = opts.DefaultVolume
	if scfg.DefaultVolume == 0 {
		scfg.DefaultVolume = DefaultVolume
	}
	if m.cfg.OnEvent != nil {
		scfg.Listener = func(e audio.Event) { m.cfg.OnEvent(s, e) }
	}
	ctrl, err := streamer.New(scfg)
	if err != nil {
		return nil, fmt.Errorf("player: create session %s: %w", guildID, err)
	}
	s.ctrl = ctrl
	s.strategy = opts.Strategy(guildID, ctrl)

	if err := s.strategy.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("player: start delivery for %s: %w", guildID, err)
	}
	m.sessions[guildID] = s
	m.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("player: session created",
		"guild_id", guildID,
		"session_id", s.id,
		"owner", opts.Owner,
	)
	return s, nil
}

// Get returns the session of guildID.
func (m *Manager) Get(guildID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	return s, ok
}

// Lookup returns the session of guildID when it is owned by owner.
func (m *Manager) Lookup(guildID, owner string) (*Session, error) {
	s, ok := m.Get(guildID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, guildID)
	}
	if s.owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrGuildOwned, guildID)
	}
	return s, nil
}

// Destroy tears down the session of guildID. It reports whether a session
// existed.
func (m *Manager) Destroy(ctx context.Context, guildID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	if ok {
		delete(m.sessions, guildID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.closeSession(ctx, s)
	return true
}

// DestroyOwner tears down every session owned by owner concurrently and
// returns how many were destroyed.
func (m *Manager) DestroyOwner(ctx context.Context, owner string) int {
	return m.destroyWhere(ctx, func(s *Session) bool { return s.owner == owner })
}

// DestroyAll tears down every session concurrently.
func (m *Manager) DestroyAll(ctx context.Context) int {
	return m.destroyWhere(ctx, func(*Session) bool { return true })
}

func (m *Manager) destroyWhere(ctx context.Context, match func(*Session) bool) int {
	m.mu.Lock()
	var victims []*Session
	for id, s := range m.sessions {
		if match(s) {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range victims {
		g.Go(func() error {
			m.closeSession(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
	return len(victims)
}

func (m *Manager) closeSession(ctx context.Context, s *Session) {
	s.close()
	m.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("player: session destroyed",
		"guild_id", s.guildID,
		"session_id", s.id,
		"owner", s.owner,
		"age", time.Since(s.createdAt).Round(time.Second),
	)
}

// Sessions returns the sessions owned by owner, or all sessions when owner is
// empty, sorted by guild id.
func (m *Manager) Sessions(owner string) []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if owner == "" || s.owner == owner {
			out = append(out, s)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].guildID < out[j].guildID })
	return out
}

// Len returns the number of sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats returns manager-wide statistics.
func (m *Manager) Stats() Stats {
	st := Stats{Uptime: time.Since(m.started).Round(time.Second)}
	for _, s := range m.Sessions("") {
		st.Sessions++
		switch s.ctrl.State() {
		case streamer.StatePlaying, streamer.StateBuffering:
			st.Playing++
		case streamer.StatePaused:
			st.Paused++
		}
	}
	if m.cfg.Tracks != nil {
		st.TrackedTracks = m.cfg.Tracks.Len()
	}
	if m.cfg.CacheSize != nil {
		if n, err := m.cfg.CacheSize(); err == nil {
			st.CacheBytes = n
		} else {
			slog.Warn("player: cache size unavailable", "err", err)
		}
	}
	return st
}
