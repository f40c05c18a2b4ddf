// Package app wires all voxstream subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject fakes via functional options (WithResolver,
// WithFetcher, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxstream/internal/cache"
	"github.com/MrWong99/voxstream/internal/cache/expiry"
	"github.com/MrWong99/voxstream/internal/config"
	"github.com/MrWong99/voxstream/internal/consumer"
	"github.com/MrWong99/voxstream/internal/discord"
	"github.com/MrWong99/voxstream/internal/discord/commands"
	"github.com/MrWong99/voxstream/internal/health"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/pipeline"
	"github.com/MrWong99/voxstream/internal/player"
	"github.com/MrWong99/voxstream/internal/resilience"
	"github.com/MrWong99/voxstream/internal/streamer"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/internal/transport"
	"github.com/MrWong99/voxstream/pkg/audio"
	"github.com/MrWong99/voxstream/pkg/audio/opus"
)

// shutdownGrace bounds the HTTP server shutdown once Run's context ends.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg config.Config

	metrics    *observe.Metrics
	logLevel   *slog.LevelVar
	resolver   track.Resolver
	fetcher    streamer.Fetcher
	newEncoder func() (streamer.Encoder, error)
	access     expiry.AccessStore

	// Subsystems, initialised in New and torn down in Shutdown.
	cache     *cache.Store
	scheduler *expiry.Scheduler
	tracks    *track.Service
	manager   *player.Manager
	server    *transport.Server
	bot       *discord.Bot
	commands  *commands.PlayerCommands
	health    *health.Handler
	handler   http.Handler

	httpSrv *http.Server
	addrMu  sync.Mutex
	addr    net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records metrics into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] change the level of the running logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithResolver replaces the yt-dlp metadata resolver.
func WithResolver(r track.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithFetcher replaces the yt-dlp | ffmpeg pipeline.
func WithFetcher(f streamer.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithEncoderFactory replaces the Opus encoder.
func WithEncoderFactory(fn func() (streamer.Encoder, error)) Option {
	return func(a *App) { a.newEncoder = fn }
}

// WithAccessStore injects an access store instead of opening the configured
// backend. The caller keeps ownership of it.
func WithAccessStore(s expiry.AccessStore) Option {
	return func(a *App) { a.access = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. A configured Discord
// token connects the bot during New.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg.WithDefaults()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		// Release whatever was opened before the failure.
		_ = a.runClosers(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. PCM cache ─────────────────────────────────────────────────────
	if a.cfg.Cache.TrackCacheEnabled() {
		store, err := cache.New(a.cfg.Cache.Dir)
		if err != nil {
			return fmt.Errorf("app: init cache: %w", err)
		}
		a.cache = store
	}

	// ── 2. Access store + expiry scheduler ───────────────────────────────
	if err := a.initExpiry(ctx); err != nil {
		return fmt.Errorf("app: init expiry: %w", err)
	}

	// ── 3. Track registry + resolver ─────────────────────────────────────
	if a.resolver == nil {
		a.resolver = a.newResolver()
	}
	a.tracks = track.NewService(a.resolver, track.NewRegistry(a.scheduler))

	// ── 4. Session manager ───────────────────────────────────────────────
	a.initManager()

	// ── 5. Network transport ─────────────────────────────────────────────
	if err := a.initDiscord(ctx); err != nil {
		return fmt.Errorf("app: init discord: %w", err)
	}
	tcfg := transport.Config{
		Manager:        a.manager,
		Tracks:         a.tracks,
		AllowedOrigins: a.cfg.Transport.AllowedOrigins,
		UpdateInterval: a.cfg.Transport.UpdateInterval,
		StatsInterval:  a.cfg.Transport.StatsInterval,
		Metrics:        a.metrics,
	}
	if a.bot != nil {
		tcfg.Gateway = a.bot
	}
	srv, err := transport.New(tcfg)
	if err != nil {
		return fmt.Errorf("app: init transport: %w", err)
	}
	a.server = srv

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()
	return nil
}

func (a *App) initExpiry(ctx context.Context) error {
	if a.access == nil {
		store, closer, err := OpenAccessStore(ctx, a.cfg.Cache.Expiry)
		if err != nil {
			return err
		}
		a.access = store
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	sched, err := expiry.New(expiry.Config{
		TTL:      ExpiryTTL(a.cfg),
		Schedule: a.cfg.Cache.Expiry.Schedule,
		Store:    a.access,
		Evictor:  expiry.EvictorFunc(a.evict),
		Notifier: expiry.NotifierFunc(a.notifyExpired),
	})
	if err != nil {
		return err
	}
	a.scheduler = sched
	return nil
}

// evict drops expired URIs from the registry and deletes their cached PCM.
// URIs accessed before a restart are not registered but may still be cached.
func (a *App) evict(ctx context.Context, uris []string) []track.ID {
	ids := a.tracks.Registry().RemoveURIs(uris...)
	deleted := 0
	if a.cache != nil {
		for _, uri := range uris {
			if a.cache.DeleteTrack(uri) {
				deleted++
			}
		}
	}
	a.metrics.RecordEvictions(ctx, len(uris))
	observe.Logger(ctx).Debug("app: evicted tracks", "uris", len(uris), "registered", len(ids), "cache_files", deleted)
	return ids
}

func (a *App) notifyExpired(ctx context.Context, batch expiry.Expired) {
	if a.server != nil {
		a.server.NotifyExpired(ctx, transport.CacheExpire{TrackIDs: batch.TrackIDs, URIs: batch.URIs})
	}
}

func (a *App) initManager() {
	if a.fetcher == nil {
		a.fetcher = &guardedFetcher{
			next: pipeline.New(pipeline.Config{
				YtDlpPath:  a.cfg.Tools.YtDlpPath,
				FFmpegPath: a.cfg.Tools.FFmpegPath,
				YtDlpArgs:  a.cfg.Tools.YtDlpArgs,
			}),
			breaker: a.newBreaker("pipeline"),
		}
	}
	if a.newEncoder == nil {
		bitrate := a.cfg.Playback.OpusBitrate
		a.newEncoder = func() (streamer.Encoder, error) {
			enc, err := opus.NewEncoder(opus.Config{Bitrate: bitrate})
			if err != nil {
				return nil, err
			}
			return enc, nil
		}
	}

	scfg := streamer.Config{
		Fetcher:    a.fetcher,
		NewEncoder: a.newEncoder,
		Metrics:    a.metrics,
	}
	mcfg := player.Config{
		Streamer: scfg,
		Tracks:   a.tracks.Registry(),
		OnEvent:  a.onEvent,
		Metrics:  a.metrics,
	}
	if a.cache != nil {
		mcfg.Streamer.Cache = a.cache
		mcfg.CacheSize = a.cache.Size
	}
	a.manager = player.NewManager(mcfg)
}

// onEvent forwards session events to the owning network client.
func (a *App) onEvent(s *player.Session, e audio.Event) {
	if a.server != nil {
		a.server.HandleEvent(s, e)
	}
}

func (a *App) initDiscord(ctx context.Context) error {
	if !a.cfg.Discord.Enabled() {
		slog.Info("app: discord token not configured; bot disabled")
		return nil
	}
	bot, err := discord.New(ctx, discord.Config{
		Token:    a.cfg.Discord.Token,
		GuildID:  a.cfg.Discord.GuildID,
		DJRoleID: a.cfg.Discord.DJRoleID,
	})
	if err != nil {
		return err
	}
	a.bot = bot
	a.commands = commands.NewPlayerCommands(bot, commands.Config{
		Manager:       a.manager,
		Tracks:        a.tracks,
		DefaultVolume: a.cfg.Playback.DefaultVolume,
	})
	bot.OnVoiceLost(a.voiceLost)
	return nil
}

// voiceLost detaches the gateway peer of a guild whose voice connection
// dropped. The session keeps buffering until a new peer attaches.
func (a *App) voiceLost(guildID string) {
	s, ok := a.manager.Get(guildID)
	if !ok {
		return
	}
	if gw, ok := s.Strategy().(*consumer.Gateway); ok {
		gw.SetPeer(nil)
		slog.Warn("app: voice connection lost", "guild_id", guildID)
	}
}

func (a *App) initHTTP() {
	var checkers []health.Checker
	if a.cache != nil {
		checkers = append(checkers, health.DirWritable("cache_dir", a.cache.Dir()))
	}
	if p, ok := a.access.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("access_store", p))
	}
	if a.bot != nil {
		checkers = append(checkers, health.Ready("discord", a.bot.Ready))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET "+a.cfg.Server.MetricsPath, observe.MetricsHandler())
	mux.Handle(a.cfg.Transport.Path, a.server)
	a.handler = observe.Middleware(a.metrics)(mux)
}

// newResolver builds one yt-dlp resolver per search provider. They share the
// tool breaker; each provider also gets its own breaker in the fallback group.
func (a *App) newResolver() track.Resolver {
	providers := a.cfg.Tools.SearchProviders
	if len(providers) == 0 {
		providers = []string{"ytsearch"}
	}
	tool := a.newBreaker("yt-dlp")
	resolvers := make([]track.Resolver, len(providers))
	for i, p := range providers {
		resolvers[i] = track.NewYtDlpResolver(track.YtDlpConfig{
			Binary:    a.cfg.Tools.YtDlpPath,
			ExtraArgs: a.cfg.Tools.YtDlpArgs,
			Timeout:   a.cfg.Tools.ResolveTimeout,
			Search:    p,
			Breaker:   tool,
		})
	}
	if len(resolvers) == 1 {
		return resolvers[0]
	}
	group := resilience.NewFallbackGroup(resolvers[0], providers[0], resilience.FallbackConfig{
		CircuitBreaker: a.breakerConfig(""),
	})
	for i := 1; i < len(resolvers); i++ {
		group.AddFallback(providers[i], resolvers[i])
	}
	return track.NewFallbackResolver(resolvers[0], group)
}

func (a *App) newBreaker(name string) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(a.breakerConfig(name))
}

func (a *App) breakerConfig(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name: name,
		OnStateChange: func(name string, to resilience.State) {
			slog.Warn("app: circuit breaker changed state", "breaker", name, "state", to.String())
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the WebSocket endpoint, health
// probes and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the session manager.
func (a *App) Manager() *player.Manager { return a.manager }

// Tracks returns the track service.
func (a *App) Tracks() *track.Service { return a.tracks }

// Scheduler returns the expiry scheduler.
func (a *App) Scheduler() *expiry.Scheduler { return a.scheduler }

// Addr returns the address the HTTP server listens on, or nil before Run has
// started listening.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, sweeps the cache on schedule and runs the Discord bot
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serveHTTP(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })
	if a.bot != nil {
		g.Go(func() error { return a.bot.Run(ctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.httpSrv = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := a.httpSrv
	a.addrMu.Unlock()

	tls := a.cfg.Server.TLS
	errCh := make(chan error, 1)
	go func() {
		if tls != nil && tls.CertFile != "" {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("app: http server listening", "addr", ln.Addr().String(), "tls", tls != nil, "ws_path", a.cfg.Transport.Path)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("app: http shutdown", "err", err)
		}
		return ctx.Err()
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new and
// logs the settings that need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.DefaultVolumeChanged && a.commands != nil {
		a.commands.SetDefaultVolume(d.NewDefaultVolume)
		slog.Info("app: default volume changed", "volume", d.NewDefaultVolume)
	}
	if d.StatsIntervalChanged {
		a.server.SetStatsInterval(d.NewStatsInterval)
		slog.Info("app: statistics interval changed", "interval", a.server.StatsInterval())
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: configuration changes take effect after a restart", "settings", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects clients, destroys every session, closes the bot and
// releases the stores. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "sessions", a.manager.Len(), "clients", a.server.Len())
		a.server.Close()
		a.manager.DestroyAll(ctx)
		if a.bot != nil {
			if cerr := a.bot.Close(); cerr != nil {
				slog.Warn("app: discord close", "err", cerr)
			}
		}
		err = a.runClosers(ctx)
	})
	return err
}

func (a *App) runClosers(ctx context.Context) error {
	var errs []error
	for i, closer := range a.closers {
		if ctx.Err() != nil {
			slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
			errs = append(errs, ctx.Err())
			break
		}
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// guardedFetcher refuses to spawn new pipelines while the tools keep failing
// to start.
type guardedFetcher struct {
	next    streamer.Fetcher
	breaker *resilience.CircuitBreaker
}

func (f *guardedFetcher) Start(ctx context.Context, uri string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := f.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		rc, err = f.next.Start(ctx, uri)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// ExpiryTTL returns the retention for cached tracks: the configured ttl, or a
// default that depends on the deployment mode.
func ExpiryTTL(cfg config.Config) time.Duration {
	switch {
	case cfg.Cache.Expiry.TTL > 0:
		return cfg.Cache.Expiry.TTL
	case cfg.Playback.SingleGuildHQ:
		return expiry.HighQualityTTL
	default:
		return expiry.DefaultTTL
	}
}
