package engine

import (
	"log/slog"
	"time"
)

// Config holds engine behavior settings.
type Config struct {
	// RecordRateLimitFailures counts rate-limit denials toward lockout.
	RecordRateLimitFailures bool

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time

	// Logger receives decision and audit logs. Nil means slog.Default().
	Logger *slog.Logger
}

func (c Config) now() func() time.Time {
	if c.Now == nil {
		return time.Now
	}
	return c.Now
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
