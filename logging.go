package boxlite

import (
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the runtime-wide structured logger: a JSON slog handler
// driven by a level name, writing to stderr or, when cfg.LogFile is set, to
// a file rotated by size via lumberjack, since the library, unlike a
// short-lived CLI invocation, owns a long-running log for the lifetime of
// the embedding process. Rotation is not time-based; backups older than a
// day are deleted.
func newLogger(cfg RuntimeConfig) *slog.Logger {
	level := parseLevel(cfg.LogLevel)

	var writer interface {
		Write([]byte) (int, error)
	}
	if cfg.LogFile == "" {
		writer = os.Stderr
	} else {
		writer = &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  64, // MiB
			MaxAge:   1,  // days a rotated backup is kept
			Compress: true,
		}
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
