package logsink

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	App   string
	Dir   string
	Level string
	// Also write human-readable output to stdout.
	Console bool
}

// Init builds the process logger, installs it as the zerolog global and
// returns the file sink so the caller can close it on shutdown.
func Init(cfg Config) (zerolog.Logger, io.Closer) {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	var sink io.Closer = io.NopCloser(nil)
	if strings.TrimSpace(cfg.Dir) != "" {
		daily := NewDailyFile(cfg.Dir, cfg.App)
		writers = append(writers, daily)
		sink = daily
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Str("app", cfg.App).Logger()
	log.Logger = logger
	return logger, sink
}

func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
