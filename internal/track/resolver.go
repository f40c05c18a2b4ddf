package track

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/resilience"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// Resolver turns a URI or search query into track metadata.
type Resolver interface {
	Resolve(ctx context.Context, query string) (*audio.Track, error)
}

// Searcher returns up to limit candidates for a free-text query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]*audio.Track, error)
}

// MaxSearchResults caps the number of candidates a single search returns.
const MaxSearchResults = 10

// YtDlpConfig configures a [YtDlpResolver].
type YtDlpConfig struct {
	// Binary is the yt-dlp executable. Default: "yt-dlp".
	Binary string

	// ExtraArgs are inserted before the fixed arguments, e.g. cookie options.
	ExtraArgs []string

	// Timeout bounds a single resolution. Default: 30s.
	Timeout time.Duration

	// Search is the yt-dlp search extractor used for queries that are not
	// URLs. Default: "ytsearch".
	Search string

	// Breaker guards the yt-dlp invocation. When nil a breaker with default
	// settings is created.
	Breaker *resilience.CircuitBreaker
}

// YtDlpResolver resolves metadata by running "yt-dlp -J --no-playlist".
// Queries that are not URLs are turned into a "<search>1:" lookup.
type YtDlpResolver struct {
	binary    string
	extraArgs []string
	timeout   time.Duration
	search    string
	breaker   *resilience.CircuitBreaker
}

// NewYtDlpResolver creates a resolver with defaults applied.
func NewYtDlpResolver(cfg YtDlpConfig) *YtDlpResolver {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Search == "" {
		cfg.Search = "ytsearch"
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "yt-dlp"})
	}
	return &YtDlpResolver{
		binary:    cfg.Binary,
		extraArgs: cfg.ExtraArgs,
		timeout:   cfg.Timeout,
		search:    cfg.Search,
		breaker:   cfg.Breaker,
	}
}

type ytDlpInfo struct {
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	Channel    string  `json:"channel"`
	Thumbnail  string  `json:"thumbnail"`
	Duration   float64 `json:"duration"`
	WebpageURL string  `json:"webpage_url"`
	IsLive     bool    `json:"is_live"`

	// Set for search results.
	Entries []ytDlpInfo `json:"entries"`
}

// Resolve implements [Resolver].
func (r *YtDlpResolver) Resolve(ctx context.Context, query string) (*audio.Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("track: resolve: empty query")
	}
	target := query
	if !looksLikeURL(query) {
		target = r.search + "1:" + query
	}

	info, err := r.run(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("track: resolve %q: %w", query, err)
	}
	if len(info.Entries) > 0 {
		info = info.Entries[0]
	} else if info.WebpageURL == "" && info.Title == "" {
		return nil, fmt.Errorf("track: resolve %q: no results", query)
	}
	t := info.track(query)
	slog.Debug("track: resolved", "query", query, "uri", t.URI, "title", t.Title)
	return t, nil
}

// Search implements [Searcher] with a "<search>N:" lookup. limit is clamped
// to [1, MaxSearchResults].
func (r *YtDlpResolver) Search(ctx context.Context, query string, limit int) ([]*audio.Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("track: search: empty query")
	}
	limit = clampLimit(limit)

	info, err := r.run(ctx, fmt.Sprintf("%s%d:%s", r.search, limit, query))
	if err != nil {
		return nil, fmt.Errorf("track: search %q: %w", query, err)
	}
	out := make([]*audio.Track, 0, len(info.Entries))
	for _, e := range info.Entries {
		if e.WebpageURL == "" {
			continue
		}
		out = append(out, e.track(query))
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("track: search %q: no results", query)
	}
	slog.Debug("track: searched", "query", query, "results", len(out))
	return out, nil
}

// run invokes yt-dlp for target through the circuit breaker.
func (r *YtDlpResolver) run(ctx context.Context, target string) (ytDlpInfo, error) {
	var info ytDlpInfo
	err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		args := append(append([]string{}, r.extraArgs...), "-J", "--no-playlist", target)
		cmd := exec.CommandContext(ctx, r.binary, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return json.Unmarshal(stdout.Bytes(), &info)
	})
	return info, err
}

func (info ytDlpInfo) track(query string) *audio.Track {
	t := &audio.Track{
		URI:        info.WebpageURL,
		Title:      info.Title,
		Author:     info.Uploader,
		ArtworkURL: info.Thumbnail,
	}
	if t.URI == "" {
		t.URI = query
	}
	if t.Author == "" {
		t.Author = info.Channel
	}
	if !info.IsLive && info.Duration > 0 {
		t.Duration = time.Duration(info.Duration * float64(time.Second))
	}
	return t
}

func clampLimit(n int) int {
	return max(1, min(n, MaxSearchResults))
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Service combines a [Resolver] with a [Registry]: repeated queries are
// answered from the query cache without invoking the resolver again.
type Service struct {
	resolver Resolver
	registry *Registry
}

// NewService creates a Service.
func NewService(resolver Resolver, registry *Registry) *Service {
	return &Service{resolver: resolver, registry: registry}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry { return s.registry }

// Resolve returns the id and metadata for query, resolving it on first use.
func (s *Service) Resolve(ctx context.Context, query string) (_ ID, _ *audio.Track, err error) {
	ctx, span := observe.StartSpan(ctx, "track.resolve", attribute.String("track.query", query))
	defer func() { observe.EndSpan(span, err) }()

	if id, ok := s.registry.LookupQuery(query); ok {
		if t, err := s.registry.Get(ctx, id); err == nil {
			span.SetAttributes(attribute.Bool("track.query_cached", true))
			return id, t, nil
		}
	}
	t, err := s.resolver.Resolve(ctx, query)
	if err != nil {
		return 0, nil, err
	}
	id := s.registry.Register(ctx, t)
	s.registry.RememberQuery(query, id)
	span.SetAttributes(attribute.Int64("track.id", int64(id)), attribute.String("track.uri", t.URI))
	return id, t, nil
}

// Search resolves up to limit candidates for query and registers each of
// them. Resolvers that cannot search answer with their single best match.
// The query cache is not consulted.
func (s *Service) Search(ctx context.Context, query string, limit int) (_ []ID, _ []*audio.Track, err error) {
	ctx, span := observe.StartSpan(ctx, "track.search",
		attribute.String("track.query", query),
		attribute.Int("track.limit", limit),
	)
	defer func() { observe.EndSpan(span, err) }()

	var found []*audio.Track
	if sr, ok := s.resolver.(Searcher); ok {
		found, err = sr.Search(ctx, query, clampLimit(limit))
	} else {
		var t *audio.Track
		if t, err = s.resolver.Resolve(ctx, query); err == nil {
			found = []*audio.Track{t}
		}
	}
	if err != nil {
		return nil, nil, err
	}

	ids := make([]ID, len(found))
	for i, t := range found {
		ids[i] = s.registry.Register(ctx, t)
	}
	span.SetAttributes(attribute.Int("track.results", len(ids)))
	return ids, found, nil
}

// Track returns the metadata registered under id.
func (s *Service) Track(ctx context.Context, id ID) (*audio.Track, error) {
	return s.registry.Get(ctx, id)
}
