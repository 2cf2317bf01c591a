package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = NewLogger("", os.Stdout)
)

// NewLogger builds the structured logger used across the service. The local
// environment gets a human readable console writer.
func NewLogger(env string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if strings.EqualFold(env, "local") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).With().Timestamp().Str("service", ServiceName).Logger()
}

// Logger returns the shared structured logger.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	return &l
}

// SetLogger replaces the shared logger and returns the previous one.
func SetLogger(l zerolog.Logger) zerolog.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = l
	return prev
}

// SetLevel adjusts the minimum level of the shared logger.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	loggerMu.Lock()
	logger = logger.Level(lvl)
	loggerMu.Unlock()
}
