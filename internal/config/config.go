// Package config provides the configuration schema and loader for the
// voxstream server.
//
// A configuration is read from YAML, then selectively overridden by
// VOXSTREAM_* environment variables (see [ApplyEnv]) and finally validated.
package config

import "time"

// LogLevel controls log verbosity for the voxstream server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// ExpiryBackend selects where track access records are kept.
type ExpiryBackend string

const (
	BackendMemory   ExpiryBackend = "memory"
	BackendRedis    ExpiryBackend = "redis"
	BackendPostgres ExpiryBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b ExpiryBackend) IsValid() bool {
	switch b {
	case BackendMemory, BackendRedis, BackendPostgres:
		return true
	}
	return false
}

// Defaults applied by [Config.WithDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultCacheDir      = "cache"
	DefaultTransportPath = "/ws"
	DefaultMetricsPath   = "/metrics"
)

// Config is the root configuration structure for voxstream.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"    env:", prefix=SERVER_"`
	Cache     CacheConfig     `yaml:"cache"     env:", prefix=CACHE_"`
	Playback  PlaybackConfig  `yaml:"playback"  env:", prefix=PLAYBACK_"`
	Tools     ToolsConfig     `yaml:"tools"     env:", prefix=TOOLS_"`
	Discord   DiscordConfig   `yaml:"discord"   env:", prefix=DISCORD_"`
	Transport TransportConfig `yaml:"transport" env:", prefix=TRANSPORT_"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	LogLevel  LogLevel  `yaml:"log_level"  env:"LOG_LEVEL"`
	LogFormat LogFormat `yaml:"log_format" env:"LOG_FORMAT"`

	// LogFile, when set, receives a copy of all log output in a rotating file.
	LogFile string `yaml:"log_file" env:"LOG_FILE"`

	// MetricsPath serves the Prometheus scrape endpoint. Default "/metrics".
	MetricsPath string `yaml:"metrics_path" env:"METRICS_PATH"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls" env:", prefix=TLS_, noinit"`
}

// TLSConfig holds paths to the certificate and key.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file"  env:"KEY_FILE"`
}

// CacheConfig configures the on-disk PCM cache.
type CacheConfig struct {
	// Dir holds index.json and the cached PCM files. Default "cache".
	Dir string `yaml:"dir" env:"DIR"`

	// EnableTrackCache turns caching of fully played tracks on or off.
	// Default true.
	EnableTrackCache *bool `yaml:"enable_track_cache" env:"ENABLE_TRACK_CACHE, noinit"`

	Expiry ExpiryConfig `yaml:"expiry" env:", prefix=EXPIRY_"`
}

// TrackCacheEnabled reports whether completed tracks are written to disk.
func (c CacheConfig) TrackCacheEnabled() bool {
	return c.EnableTrackCache == nil || *c.EnableTrackCache
}

// ExpiryConfig configures the periodic sweep of unused cache entries.
type ExpiryConfig struct {
	// Schedule is a cron expression. Default "0 */6 * * *".
	Schedule string `yaml:"schedule" env:"SCHEDULE"`

	// TTL is how long an unused track stays cached. Zero selects 48h, or 7d
	// when playback.single_guild_hq is set.
	TTL time.Duration `yaml:"ttl" env:"TTL"`

	// Backend stores access records. Default "memory".
	Backend ExpiryBackend `yaml:"backend" env:"BACKEND"`

	RedisAddr     string `yaml:"redis_addr"     env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db"       env:"REDIS_DB"`

	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

// PlaybackConfig holds per-track playback settings.
type PlaybackConfig struct {
	// SingleGuildHQ marks a deployment serving one guild at high quality.
	// It selects the long cache TTL.
	SingleGuildHQ bool `yaml:"single_guild_hq" env:"SINGLE_GUILD_HQ"`

	// DefaultVolume is applied to each new slash-command track. Zero selects 0.1.
	DefaultVolume float64 `yaml:"default_volume" env:"DEFAULT_VOLUME"`

	// OpusBitrate in bits per second. Zero selects 384000.
	OpusBitrate int `yaml:"opus_bitrate" env:"OPUS_BITRATE"`
}

// ToolsConfig locates the external media tools.
type ToolsConfig struct {
	YtDlpPath  string   `yaml:"ytdlp_path"  env:"YTDLP_PATH"`
	FFmpegPath string   `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	YtDlpArgs  []string `yaml:"ytdlp_args"  env:"YTDLP_ARGS"`

	// ResolveTimeout bounds a single yt-dlp metadata lookup. Default 30s.
	ResolveTimeout time.Duration `yaml:"resolve_timeout" env:"RESOLVE_TIMEOUT"`

	// SearchProviders are yt-dlp search extractors tried in order for
	// free-text queries, e.g. ["ytsearch", "scsearch"]. Default ["ytsearch"].
	SearchProviders []string `yaml:"search_providers" env:"SEARCH_PROVIDERS"`
}

// DiscordConfig holds the bot credentials. An empty token disables the bot.
type DiscordConfig struct {
	Token    string `yaml:"token"      env:"TOKEN"`
	GuildID  string `yaml:"guild_id"   env:"GUILD_ID"`
	DJRoleID string `yaml:"dj_role_id" env:"DJ_ROLE_ID"`
}

// Enabled reports whether a bot token is configured.
func (d DiscordConfig) Enabled() bool { return d.Token != "" }

// TransportConfig configures the WebSocket client endpoint.
type TransportConfig struct {
	// Path of the WebSocket endpoint. Default "/ws".
	Path string `yaml:"path" env:"PATH"`

	UpdateInterval time.Duration `yaml:"update_interval" env:"UPDATE_INTERVAL"`
	StatsInterval  time.Duration `yaml:"stats_interval"  env:"STATS_INTERVAL"`

	// AllowedOrigins are host patterns accepted for browser clients. Empty
	// disables the origin check.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// WithDefaults returns a copy of c with empty fields replaced by their
// defaults. Fields whose zero value is meaningful to a component are left
// for that component to default.
func (c Config) WithDefaults() Config {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogFormatText
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = DefaultMetricsPath
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = DefaultCacheDir
	}
	if c.Cache.Expiry.Backend == "" {
		c.Cache.Expiry.Backend = BackendMemory
	}
	if c.Transport.Path == "" {
		c.Transport.Path = DefaultTransportPath
	}
	return c
}
