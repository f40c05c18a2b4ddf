package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/hashicorp/cronexpr"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. VOXSTREAM_SERVER_LOG_LEVEL.
const EnvPrefix = "VOXSTREAM_"

// Volume and bitrate bounds accepted by [Validate].
const (
	maxVolume      = 5.0
	minOpusBitrate = 500
	maxOpusBitrate = 512000
)

var searchProvider = regexp.MustCompile(`^[a-z0-9]+search$`)

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment, and validates the result. An empty
// path starts from an empty configuration so that a deployment can be
// configured through the environment alone.
func Load(ctx context.Context, path string) (*Config, error) {
	if path == "" {
		return finish(ctx, &Config{}, envconfig.OsLookuper())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(ctx, data, envconfig.OsLookuper())
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path (".env" when empty) into the
// process environment. Variables that are already set are not overridden and
// a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with VOXSTREAM_* variables found through l. Fields
// whose variable is unset keep their current value.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           cfg,
		Lookuper:         envconfig.PrefixLookuper(EnvPrefix, l),
		DefaultOverwrite: true,
		DefaultNoInit:    true,
	})
	if err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

func parse(ctx context.Context, data []byte, l envconfig.Lookuper) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return finish(ctx, cfg, l)
}

func finish(ctx context.Context, cfg *Config, l envconfig.Lookuper) (*Config, error) {
	if err := ApplyEnv(ctx, cfg, l); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if p := cfg.Server.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("server.metrics_path %q must start with /", p))
	}

	// Cache expiry
	exp := cfg.Cache.Expiry
	if exp.Schedule != "" {
		if _, err := cronexpr.Parse(exp.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("cache.expiry.schedule %q: %w", exp.Schedule, err))
		}
	}
	if exp.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.expiry.ttl %s must not be negative", exp.TTL))
	}
	switch {
	case exp.Backend != "" && !exp.Backend.IsValid():
		errs = append(errs, fmt.Errorf("cache.expiry.backend %q is invalid; valid values: memory, redis, postgres", exp.Backend))
	case exp.Backend == BackendRedis && exp.RedisAddr == "":
		errs = append(errs, errors.New("cache.expiry.redis_addr is required when backend is redis"))
	case exp.Backend == BackendPostgres && exp.PostgresDSN == "":
		errs = append(errs, errors.New("cache.expiry.postgres_dsn is required when backend is postgres"))
	}
	if exp.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("cache.expiry.redis_db %d must not be negative", exp.RedisDB))
	}
	if exp.Backend != BackendPostgres && exp.PostgresDSN != "" {
		slog.Warn("config: cache.expiry.postgres_dsn is set but backend is not postgres", "backend", exp.Backend)
	}
	if exp.TTL > 0 && cfg.Playback.SingleGuildHQ {
		slog.Warn("config: cache.expiry.ttl overrides the single_guild_hq retention", "ttl", exp.TTL)
	}
	if !cfg.Cache.TrackCacheEnabled() && exp.Schedule != "" {
		slog.Warn("config: cache.expiry.schedule has no effect while enable_track_cache is false")
	}

	// Playback
	if v := cfg.Playback.DefaultVolume; v < 0 || v > maxVolume {
		errs = append(errs, fmt.Errorf("playback.default_volume %.2f is out of range [0, %.0f]", v, maxVolume))
	}
	if b := cfg.Playback.OpusBitrate; b != 0 && (b < minOpusBitrate || b > maxOpusBitrate) {
		errs = append(errs, fmt.Errorf("playback.opus_bitrate %d is out of range [%d, %d]", b, minOpusBitrate, maxOpusBitrate))
	}

	// Tools
	if cfg.Tools.ResolveTimeout < 0 {
		errs = append(errs, fmt.Errorf("tools.resolve_timeout %s must not be negative", cfg.Tools.ResolveTimeout))
	}
	for i, p := range cfg.Tools.SearchProviders {
		if !searchProvider.MatchString(p) {
			errs = append(errs, fmt.Errorf("tools.search_providers[%d] %q is not a yt-dlp search extractor like ytsearch", i, p))
		}
	}

	// Discord
	if !cfg.Discord.Enabled() {
		if cfg.Discord.GuildID != "" || cfg.Discord.DJRoleID != "" {
			slog.Warn("config: discord settings are ignored without discord.token")
		}
	}

	// Transport
	if p := cfg.Transport.Path; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("transport.path %q must start with /", p))
	}
	if cfg.Transport.UpdateInterval < 0 {
		errs = append(errs, fmt.Errorf("transport.update_interval %s must not be negative", cfg.Transport.UpdateInterval))
	}
	if cfg.Transport.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("transport.stats_interval %s must not be negative", cfg.Transport.StatsInterval))
	}
	if p := cfg.Transport.Path; p != "" && p == cfg.Server.MetricsPath {
		errs = append(errs, fmt.Errorf("transport.path and server.metrics_path are both %q", p))
	}

	return errors.Join(errs...)
}
