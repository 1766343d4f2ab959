package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the process logger. It discards output until Init is called,
// which keeps tests quiet.
var Logger = zerolog.New(io.Discard)

func Init(serviceName string) {
	InitWithWriter(serviceName, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

func InitWithWriter(serviceName string, w io.Writer) {
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	Logger = zerolog.New(w).
		With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func WithJobID(jobID string) *zerolog.Logger {
	l := Logger.With().Str("job_id", jobID).Logger()
	return &l
}

func WithRequestID(reqID string) *zerolog.Logger {
	l := Logger.With().Str("req_id", reqID).Logger()
	return &l
}
