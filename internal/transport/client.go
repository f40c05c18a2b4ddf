package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxstream/internal/consumer"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/player"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/pkg/audio"
)

var (
	errClientClosed = errors.New("transport: client closed")
	errNoGateway    = errors.New("transport: voice gateway not available")
	errNotGateway   = errors.New("transport: connect requires the IS_DISCORD_BOT feature")
)

type outbound struct {
	kind websocket.MessageType
	data []byte
}

// client is one connected bot. It owns every session it creates; they are
// destroyed when the connection ends.
type client struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	out    chan outbound
	cancel context.CancelFunc
	log    *slog.Logger
	hello  Hello
	done   <-chan struct{}

	mu            sync.Mutex
	guilds        map[string]struct{} // guilds joined through the gateway
	defaultVolume float64
}

var _ consumer.Sink = (*client)(nil)

func (c *client) serve(ctx context.Context) error {
	c.done = ctx.Done()
	if err := c.handshake(ctx); err != nil {
		return err
	}
	if !c.srv.register(c) {
		return errClientClosed
	}
	c.srv.cfg.Metrics.ActiveConnections.Add(ctx, 1)
	defer c.teardown()

	c.log.Info("transport: client connected",
		"name", c.hello.ClientName,
		"features", c.hello.Features,
	)
	c.send(TypeWelcome, "", Welcome{ClientID: c.id, Delivery: c.delivery()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.tickLoop(gctx) })
	return g.Wait()
}

func (c *client) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.srv.cfg.HandshakeTimeout)
	defer cancel()
	kind, data, err := c.conn.Read(hctx)
	if err != nil {
		return fmt.Errorf("transport: read hello: %w", err)
	}
	var env Envelope
	if kind != websocket.MessageText || json.Unmarshal(data, &env) != nil || env.Type != TypeHello {
		c.conn.Close(websocket.StatusPolicyViolation, "expected hello")
		return fmt.Errorf("transport: first message is not hello")
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &c.hello); err != nil {
			c.conn.Close(websocket.StatusPolicyViolation, "malformed hello")
			return fmt.Errorf("transport: decode hello: %w", err)
		}
	}
	c.defaultVolume = audio.ClampVolume(c.hello.DefaultVolume)
	return nil
}

// teardown destroys every session of the client and leaves its voice
// channels.
func (c *client) teardown() {
	c.srv.unregister(c)
	ctx := context.Background()
	n := c.srv.cfg.Manager.DestroyOwner(ctx, c.id)

	c.mu.Lock()
	guilds := make([]string, 0, len(c.guilds))
	for g := range c.guilds {
		guilds = append(guilds, g)
	}
	c.guilds = nil
	c.mu.Unlock()
	if gw := c.srv.cfg.Gateway; gw != nil {
		for _, g := range guilds {
			gw.Leave(g)
		}
	}

	c.srv.cfg.Metrics.ActiveConnections.Add(ctx, -1)
	c.log.Info("transport: client disconnected", "sessions_destroyed", n)
}

func (c *client) delivery() string {
	switch {
	case c.hello.Has(FeatureDiscordBot):
		return "gateway"
	case c.hello.Has(FeatureFastAudio):
		return "fast"
	default:
		return "paced"
	}
}

// ─── Outbound ────────────────────────────────────────────────────────────────

// send enqueues a JSON message without blocking. Messages are dropped when
// the queue is full.
func (c *client) send(typ, id string, v any) {
	data, err := encodeEnvelope(typ, id, v)
	if err != nil {
		c.log.Error("transport: encode message", "type", typ, "err", err)
		return
	}
	select {
	case c.out <- outbound{kind: websocket.MessageText, data: data}:
	default:
		c.log.Warn("transport: send queue full, dropping message", "type", typ)
	}
}

// SendAudio implements [consumer.Sink]. It blocks until the frame is queued,
// ctx is done or the client disconnects.
func (c *client) SendAudio(ctx context.Context, guildID string, frame []byte) error {
	gid, err := ParseGuildID(guildID)
	if err != nil {
		return err
	}
	msg := outbound{kind: websocket.MessageBinary, data: EncodeAudio(gid, frame)}
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errClientClosed
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.out:
			if err := c.conn.Write(ctx, m.kind, m.data); err != nil {
				return fmt.Errorf("transport: write: %w", err)
			}
		}
	}
}

func (c *client) tickLoop(ctx context.Context) error {
	update := time.NewTicker(c.srv.cfg.UpdateInterval)
	defer update.Stop()
	interval := c.srv.StatsInterval()
	stats := time.NewTicker(interval)
	defer stats.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-update.C:
			for _, s := range c.srv.cfg.Manager.Sessions(c.id) {
				c.send(TypePlayerUpdate, "", s.Status())
			}
		case <-stats.C:
			c.send(TypeStatistics, "", c.srv.cfg.Manager.Stats())
			if d := c.srv.StatsInterval(); d != interval {
				interval = d
				stats.Reset(d)
			}
		}
	}
}

// ─── Inbound ─────────────────────────────────────────────────────────────────

func (c *client) readLoop(ctx context.Context) error {
	for {
		kind, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return context.Canceled
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		if kind != websocket.MessageText {
			c.log.Debug("transport: ignoring binary message", "bytes", len(data))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.send(TypeError, "", ErrorReply{Message: "malformed message: " + err.Error()})
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *client) handle(ctx context.Context, env Envelope) {
	ctx, span := observe.StartSpan(ctx, "transport."+env.Type,
		attribute.String("transport.client_id", c.id),
		attribute.String("transport.request_id", env.ID),
	)
	var err error
	defer func() { observe.EndSpan(span, err) }()

	switch env.Type {
	case TypeResolve:
		var req ResolveRequest
		if err = decode(env, &req); err == nil {
			go c.resolve(ctx, env.ID, req.Query)
			return
		}
	case TypeSearch:
		var req SearchRequest
		if err = decode(env, &req); err == nil {
			go c.search(ctx, env.ID, req)
			return
		}
	case TypeTrackInfo:
		var req TrackInfoRequest
		if err = decode(env, &req); err == nil {
			err = c.trackInfo(ctx, env.ID, req.TrackID)
			if err == nil {
				return
			}
		}
	case TypeDefaultVolume:
		var req DefaultVolumeRequest
		if err = decode(env, &req); err == nil {
			c.setDefaultVolume(req.Volume)
		}
	case TypePlay:
		var req PlayRequest
		if err = decode(env, &req); err == nil {
			err = c.play(ctx, req)
		}
	case TypePause, TypeResume, TypeStop, TypeDestroy:
		var req GuildRequest
		if err = decode(env, &req); err == nil {
			err = c.control(ctx, env.Type, req.GuildID)
		}
	case TypeVolume:
		var req VolumeRequest
		if err = decode(env, &req); err == nil {
			err = c.volume(req)
		}
	case TypeConnect:
		var req ConnectRequest
		if err = decode(env, &req); err == nil {
			err = c.connect(ctx, req)
		}
	case TypeHello:
		err = errors.New("transport: duplicate hello")
	default:
		err = fmt.Errorf("transport: unknown message type %q", env.Type)
	}
	c.reply(env, err)
}

func (c *client) reply(env Envelope, err error) {
	if err != nil {
		c.log.Debug("transport: request failed", "type", env.Type, "id", env.ID, "err", err)
		c.send(TypeError, env.ID, ErrorReply{Message: err.Error()})
		return
	}
	c.send(TypeOK, env.ID, nil)
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("transport: %s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("transport: %s: %w", env.Type, err)
	}
	return nil
}

func (c *client) resolve(ctx context.Context, reqID, query string) {
	id, t, err := c.srv.cfg.Tracks.Resolve(ctx, query)
	if err != nil {
		if ctx.Err() == nil {
			c.send(TypeError, reqID, ErrorReply{Message: err.Error()})
		}
		return
	}
	c.send(TypeResolved, reqID, Resolved{TrackID: id, Track: t})
}

func (c *client) search(ctx context.Context, reqID string, req SearchRequest) {
	ids, tracks, err := c.srv.cfg.Tracks.Search(ctx, req.Query, req.Limit)
	if err != nil {
		if ctx.Err() == nil {
			c.send(TypeError, reqID, ErrorReply{Message: err.Error()})
		}
		return
	}
	c.send(TypeSearchResult, reqID, SearchResults{TrackIDs: ids})
	if req.Details {
		for i, id := range ids {
			c.send(TypeTrackDetails, reqID, TrackDetails{TrackID: id, Track: tracks[i]})
		}
	}
}

func (c *client) trackInfo(ctx context.Context, reqID string, id track.ID) error {
	t, err := c.srv.cfg.Tracks.Track(ctx, id)
	if err != nil {
		return err
	}
	c.send(TypeTrackDetails, reqID, TrackDetails{TrackID: id, Track: t})
	return nil
}

// setDefaultVolume applies v to every session of the client and to the ones
// it creates later. Zero restores the server default.
func (c *client) setDefaultVolume(v float64) {
	v = audio.ClampVolume(v)
	c.mu.Lock()
	c.defaultVolume = v
	c.mu.Unlock()
	if v == 0 {
		v = player.DefaultVolume
	}
	for _, s := range c.srv.cfg.Manager.Sessions(c.id) {
		s.SetDefaultVolume(v)
	}
}

func (c *client) volumeDefault() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultVolume
}

// session returns the client's session for guildID, creating it on first use.
func (c *client) session(ctx context.Context, guildID string) (*player.Session, error) {
	if _, err := ParseGuildID(guildID); err != nil {
		return nil, err
	}
	return c.srv.cfg.Manager.Session(ctx, guildID, player.SessionOptions{
		Owner:         c.id,
		DefaultVolume: c.volumeDefault(),
		Strategy:      c.strategy,
	})
}

func (c *client) strategy(guildID string, src audio.FrameSource) consumer.Strategy {
	if c.hello.Has(FeatureDiscordBot) {
		return consumer.NewGateway(guildID, src)
	}
	return consumer.NewPaced(src, c, consumer.PacedConfig{
		GuildID: guildID,
		Fast:    c.hello.Has(FeatureFastAudio),
		Metrics: c.srv.cfg.Metrics,
	})
}

func (c *client) play(ctx context.Context, req PlayRequest) error {
	s, err := c.session(ctx, req.GuildID)
	if err != nil {
		return err
	}
	return s.Play(ctx, req.TrackID)
}

func (c *client) control(ctx context.Context, op, guildID string) error {
	s, err := c.srv.cfg.Manager.Lookup(guildID, c.id)
	if err != nil {
		return err
	}
	switch op {
	case TypePause:
		s.Pause()
	case TypeResume:
		s.Resume()
	case TypeStop:
		s.Stop()
	case TypeDestroy:
		c.srv.cfg.Manager.Destroy(ctx, guildID)
		c.leave(guildID)
	}
	return nil
}

func (c *client) volume(req VolumeRequest) error {
	s, err := c.srv.cfg.Manager.Lookup(req.GuildID, c.id)
	if err != nil {
		return err
	}
	s.SetVolume(req.Volume)
	return nil
}

func (c *client) connect(ctx context.Context, req ConnectRequest) error {
	if !c.hello.Has(FeatureDiscordBot) {
		return errNotGateway
	}
	gw := c.srv.cfg.Gateway
	if gw == nil {
		return errNoGateway
	}
	s, err := c.session(ctx, req.GuildID)
	if err != nil {
		return err
	}
	strategy, ok := s.Strategy().(*consumer.Gateway)
	if !ok {
		return fmt.Errorf("transport: session %s does not use gateway delivery", req.GuildID)
	}
	peer, err := gw.Join(ctx, req.GuildID, req.ChannelID)
	if err != nil {
		return fmt.Errorf("transport: join %s/%s: %w", req.GuildID, req.ChannelID, err)
	}
	strategy.SetPeer(peer)

	c.mu.Lock()
	if c.guilds != nil {
		c.guilds[req.GuildID] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

func (c *client) leave(guildID string) {
	c.mu.Lock()
	_, joined := c.guilds[guildID]
	delete(c.guilds, guildID)
	c.mu.Unlock()
	if joined && c.srv.cfg.Gateway != nil {
		c.srv.cfg.Gateway.Leave(guildID)
	}
}
