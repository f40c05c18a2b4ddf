package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxstream/internal/cache/expiry"
	"github.com/MrWong99/voxstream/internal/config"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/resilience"
	"github.com/MrWong99/voxstream/internal/streamer"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/internal/transport"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type resolverFunc func(ctx context.Context, q string) (*audio.Track, error)

func (f resolverFunc) Resolve(ctx context.Context, q string) (*audio.Track, error) { return f(ctx, q) }

type fetcherFunc func(ctx context.Context, uri string) (io.ReadCloser, error)

func (f fetcherFunc) Start(ctx context.Context, uri string) (io.ReadCloser, error) { return f(ctx, uri) }

type nopEncoder struct{}

func (nopEncoder) Encode([]int16) ([]byte, error) { return []byte{1}, nil }
func (nopEncoder) Reset() error                   { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Cache:  config.CacheConfig{Dir: filepath.Join(t.TempDir(), "cache")},
		Transport: config.TransportConfig{
			UpdateInterval: 50 * time.Millisecond,
			StatsInterval:  time.Minute,
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	base := []Option{
		WithMetrics(m),
		WithResolver(resolverFunc(func(_ context.Context, q string) (*audio.Track, error) {
			return &audio.Track{URI: "https://example.com/" + q, Title: q}, nil
		})),
		WithFetcher(fetcherFunc(func(context.Context, string) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(make([]byte, 4*audio.FrameBytes))), nil
		})),
		WithEncoderFactory(func() (streamer.Encoder, error) { return nopEncoder{}, nil }),
	}
	a, err := New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_WithFakes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	if a.Handler() == nil || a.Manager() == nil || a.Tracks() == nil || a.Scheduler() == nil {
		t.Fatal("subsystem missing after New")
	}
	if a.bot != nil {
		t.Error("bot started without a token")
	}
	if a.cache == nil || a.cache.Dir() != cfg.Cache.Dir {
		t.Errorf("cache dir = %v, want %q", a.cache, cfg.Cache.Dir)
	}
	if got := a.Scheduler().TTL(); got != expiry.DefaultTTL {
		t.Errorf("TTL = %v, want %v", got, expiry.DefaultTTL)
	}
	if a.Addr() != nil {
		t.Errorf("Addr = %v before Run, want nil", a.Addr())
	}
}

func TestNew_CacheDisabled(t *testing.T) {
	t.Parallel()
	off := false
	cfg := testConfig(t)
	cfg.Cache.EnableTrackCache = &off
	a := newTestApp(t, cfg)

	if a.cache != nil {
		t.Error("cache opened although disabled")
	}
	if _, err := os.Stat(cfg.Cache.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cache dir created: %v", err)
	}
}

func TestNew_UnknownBackendFails(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Cache.Expiry.Backend = "etcd"
	if _, err := New(context.Background(), cfg, WithMetrics(observe.DefaultMetrics())); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", rec.Code)
	}
}

func TestHandler_ReadyzReportsCacheDir(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"cache_dir": "ok"}, body.Checks); diff != "" {
		t.Errorf("checks (-want +got):\n%s", diff)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := json.Marshal(transport.Envelope{Type: typ, ID: "1", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func receive(t *testing.T, conn *websocket.Conn, typ string) transport.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if kind != websocket.MessageText {
			continue
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func TestHandler_WebSocketThroughMiddleware(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv)
	send(t, conn, transport.TypeHello, transport.Hello{ClientName: "app-test"})

	var w transport.Welcome
	if err := json.Unmarshal(receive(t, conn, transport.TypeWelcome).Data, &w); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if w.ClientID == "" {
		t.Error("welcome without client id")
	}

	send(t, conn, transport.TypeResolve, transport.ResolveRequest{Query: "lofi"})
	var res transport.Resolved
	if err := json.Unmarshal(receive(t, conn, transport.TypeResolved).Data, &res); err != nil {
		t.Fatalf("resolved: %v", err)
	}
	if res.Track == nil || res.Track.URI != "https://example.com/lofi" {
		t.Errorf("resolved = %+v", res)
	}
}

// ─── Expiry ──────────────────────────────────────────────────────────────────

func TestSweep_EvictsAndNotifiesClients(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Cache.Expiry.TTL = time.Millisecond
	a := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv)
	send(t, conn, transport.TypeHello, transport.Hello{})
	receive(t, conn, transport.TypeWelcome)

	ctx := context.Background()
	id, tr, err := a.Tracks().Resolve(ctx, "old song")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	w, err := a.cache.StartSavingTrack(tr.URI)
	if err != nil {
		t.Fatalf("StartSavingTrack: %v", err)
	}
	if _, err := w.Write(make([]byte, audio.FrameBytes)); err != nil {
		t.Fatal(err)
	}
	if err := a.cache.FinalizeSave(tr.URI, true); err != nil {
		t.Fatalf("FinalizeSave: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	swept, err := a.Scheduler().Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if diff := cmp.Diff(expiry.Expired{URIs: []string{tr.URI}, TrackIDs: []track.ID{id}}, swept); diff != "" {
		t.Errorf("swept (-want +got):\n%s", diff)
	}
	if a.Tracks().Registry().Len() != 0 {
		t.Error("expired track still registered")
	}
	if a.cache.HasTrack(tr.URI) {
		t.Error("expired track still cached")
	}

	var msg transport.CacheExpire
	if err := json.Unmarshal(receive(t, conn, transport.TypeCacheExpire).Data, &msg); err != nil {
		t.Fatalf("cache_expire: %v", err)
	}
	if diff := cmp.Diff([]track.ID{id}, msg.TrackIDs); diff != "" {
		t.Errorf("cache_expire ids (-want +got):\n%s", diff)
	}
}

// A persistent access store outlives the registry. After a restart the stale
// record still names the cached file, so the sweep deletes it.
func TestSweep_DeletesFilesCachedBeforeRestart(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Cache.Expiry.TTL = time.Millisecond
	ctx := context.Background()

	store := expiry.NewMemoryStore()
	first := newTestApp(t, cfg, WithAccessStore(store))
	_, tr, err := first.Tracks().Resolve(ctx, "old song")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	w, err := first.cache.StartSavingTrack(tr.URI)
	if err != nil {
		t.Fatalf("StartSavingTrack: %v", err)
	}
	if _, err := w.Write(make([]byte, audio.FrameBytes)); err != nil {
		t.Fatal(err)
	}
	if err := first.cache.FinalizeSave(tr.URI, true); err != nil {
		t.Fatalf("FinalizeSave: %v", err)
	}

	// Same cache directory and access store, fresh registry.
	second := newTestApp(t, cfg, WithAccessStore(store))
	if second.Tracks().Registry().Len() != 0 {
		t.Fatal("restarted registry is not empty")
	}
	if !second.cache.HasTrack(tr.URI) {
		t.Fatal("restarted cache lost the file")
	}

	time.Sleep(10 * time.Millisecond)
	swept, err := second.Scheduler().Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if diff := cmp.Diff(expiry.Expired{URIs: []string{tr.URI}}, swept); diff != "" {
		t.Errorf("swept (-want +got):\n%s", diff)
	}
	if second.cache.HasTrack(tr.URI) {
		t.Error("file cached before the restart survived the sweep")
	}
}

func TestExpiryTTL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  config.Config
		want time.Duration
	}{
		{"default", config.Config{}, expiry.DefaultTTL},
		{"single guild", config.Config{Playback: config.PlaybackConfig{SingleGuildHQ: true}}, expiry.HighQualityTTL},
		{"explicit wins", config.Config{
			Playback: config.PlaybackConfig{SingleGuildHQ: true},
			Cache:    config.CacheConfig{Expiry: config.ExpiryConfig{TTL: time.Hour}},
		}, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExpiryTTL(tt.cfg); got != tt.want {
				t.Errorf("ExpiryTTL = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenAccessStore(t *testing.T) {
	t.Parallel()
	s, closer, err := OpenAccessStore(context.Background(), config.ExpiryConfig{Backend: config.BackendMemory})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*expiry.MemoryStore); !ok {
		t.Errorf("store = %T, want *expiry.MemoryStore", s)
	}
	if closer != nil {
		t.Error("memory store should have no closer")
	}

	if _, _, err := OpenAccessStore(context.Background(), config.ExpiryConfig{Backend: "etcd"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for a.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))
	closed := 0
	a.closers = append(a.closers, func() error { closed++; return nil })

	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if closed != 1 {
		t.Errorf("closer ran %d times, want 1", closed)
	}
}

func TestShutdown_StopsAtDeadline(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))
	ran := false
	a.closers = append(a.closers, func() error { ran = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
	if ran {
		t.Error("closer ran after the deadline")
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	cfg := testConfig(t)
	a := newTestApp(t, cfg, WithLogLevel(lv))

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Transport.StatsInterval = 2 * time.Second
	next.Server.ListenAddr = ":9999"
	a.ApplyConfig(cfg, &next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if got := a.server.StatsInterval(); got != 2*time.Second {
		t.Errorf("stats interval = %v, want 2s", got)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func TestGuardedFetcher_OpensBreaker(t *testing.T) {
	t.Parallel()
	calls := 0
	f := &guardedFetcher{
		next: fetcherFunc(func(context.Context, string) (io.ReadCloser, error) {
			calls++
			return nil, errors.New("ffmpeg: not found")
		}),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "pipeline",
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		}),
	}
	for range 2 {
		if _, err := f.Start(context.Background(), "https://x"); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := f.Start(context.Background(), "https://x")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 2 {
		t.Errorf("fetcher called %d times, want 2", calls)
	}
}

func TestNewResolver_SingleProvider(t *testing.T) {
	t.Parallel()
	a := &App{metrics: observe.DefaultMetrics()}
	if _, ok := a.newResolver().(*track.YtDlpResolver); !ok {
		t.Error("single provider should resolve through yt-dlp directly")
	}
	a.cfg.Tools.SearchProviders = []string{"ytsearch", "scsearch"}
	if _, ok := a.newResolver().(*track.FallbackResolver); !ok {
		t.Error("several providers should use the fallback resolver")
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxstream.log")
	var console bytes.Buffer
	logger, lv, closer := NewLogger(config.ServerConfig{
		LogLevel:  config.LogWarn,
		LogFormat: config.LogFormatJSON,
		LogFile:   path,
	}, &console)

	logger.Info("hidden")
	logger.Warn("shown", "guild_id", "42")
	lv.Set(slog.LevelDebug)
	logger.Debug("now visible")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, out := range []string{console.String(), string(data)} {
		if strings.Contains(out, "hidden") {
			t.Errorf("info line written at warn level: %s", out)
		}
		if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, "now visible") {
			t.Errorf("missing lines: %s", out)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
