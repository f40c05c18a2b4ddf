package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded carry a new value; changes to
// anything else are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DefaultVolumeChanged bool
	NewDefaultVolume     float64

	StatsIntervalChanged bool
	NewStatsInterval     time.Duration

	// RestartRequired names settings that changed but only take effect after
	// a restart, e.g. "server.listen_addr".
	RestartRequired []string
}

// Empty reports whether d holds no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DefaultVolumeChanged && !d.StatsIntervalChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playback.DefaultVolume != new.Playback.DefaultVolume {
		d.DefaultVolumeChanged = true
		d.NewDefaultVolume = new.Playback.DefaultVolume
	}
	if old.Transport.StatsInterval != new.Transport.StatsInterval {
		d.StatsIntervalChanged = true
		d.NewStatsInterval = new.Transport.StatsInterval
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_file", old.Server.LogFile != new.Server.LogFile)
	restart("cache.dir", old.Cache.Dir != new.Cache.Dir)
	restart("cache.enable_track_cache", old.Cache.TrackCacheEnabled() != new.Cache.TrackCacheEnabled())
	restart("cache.expiry", old.Cache.Expiry != new.Cache.Expiry)
	restart("playback.opus_bitrate", old.Playback.OpusBitrate != new.Playback.OpusBitrate)
	restart("tools", !toolsEqual(old.Tools, new.Tools))
	restart("discord", old.Discord != new.Discord)
	restart("transport.path", old.Transport.Path != new.Transport.Path)
	return d
}

func toolsEqual(a, b ToolsConfig) bool {
	return a.YtDlpPath == b.YtDlpPath &&
		a.FFmpegPath == b.FFmpegPath &&
		a.ResolveTimeout == b.ResolveTimeout &&
		slices.Equal(a.YtDlpArgs, b.YtDlpArgs) &&
		slices.Equal(a.SearchProviders, b.SearchProviders)
}
