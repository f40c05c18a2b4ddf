package app

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/voxstream/internal/config"
)

// Rotation settings for server.log_file.
const (
	logMaxSizeMB  = 100
	logMaxBackups = 5
	logMaxAgeDays = 28
)

// SlogLevel maps a configured level to its slog equivalent. Unknown levels
// map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger writing to w. When cfg.LogFile is set
// the output is also written to a size-rotated file. The returned LevelVar
// changes the level at runtime; the closer releases the log file.
func NewLogger(cfg config.ServerConfig, w io.Writer) (*slog.Logger, *slog.LevelVar, io.Closer) {
	lv := new(slog.LevelVar)
	lv.Set(SlogLevel(cfg.LogLevel))

	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(w, lj)
		closer = lj
	}

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if cfg.LogFormat == config.LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), lv, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
