package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxstream/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Playback: config.PlaybackConfig{DefaultVolume: 0.2},
	}
	if d := config.Diff(cfg, cfg); !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Playback:  config.PlaybackConfig{DefaultVolume: 0.1},
		Transport: config.TransportConfig{StatsInterval: 5 * time.Second},
	}
	new := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogDebug},
		Playback:  config.PlaybackConfig{DefaultVolume: 0.4},
		Transport: config.TransportConfig{StatsInterval: time.Second},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: changed=%v new=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.DefaultVolumeChanged || d.NewDefaultVolume != 0.4 {
		t.Errorf("default volume: changed=%v new=%v", d.DefaultVolumeChanged, d.NewDefaultVolume)
	}
	if !d.StatsIntervalChanged || d.NewStatsInterval != time.Second {
		t.Errorf("stats interval: changed=%v new=%v", d.StatsIntervalChanged, d.NewStatsInterval)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	off := false
	old := &config.Config{}
	new := &config.Config{
		Server:  config.ServerConfig{ListenAddr: ":9000"},
		Cache:   config.CacheConfig{EnableTrackCache: &off, Expiry: config.ExpiryConfig{TTL: time.Hour}},
		Tools:   config.ToolsConfig{SearchProviders: []string{"scsearch"}},
		Discord: config.DiscordConfig{Token: "t"},
	}

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "cache.enable_track_cache", "cache.expiry", "tools", "discord"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.DefaultVolumeChanged || d.StatsIntervalChanged {
		t.Errorf("unexpected hot-reload change: %+v", d)
	}
}

func TestDiff_EnableTrackCacheNilEqualsTrue(t *testing.T) {
	t.Parallel()
	on := true
	d := config.Diff(&config.Config{}, &config.Config{Cache: config.CacheConfig{EnableTrackCache: &on}})
	if !d.Empty() {
		t.Errorf("explicit true should equal the default, got %+v", d)
	}
}
