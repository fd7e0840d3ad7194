// Package debug configures the process logger and gates per-component
// debug output.
//
// Categories select which components log at debug level; the level selects
// how much the rest of the process logs. Both come from config and can be
// overridden with GATEWAY_DEBUG and GATEWAY_LOG_LEVEL:
//
//	GATEWAY_DEBUG=secrets,replay GATEWAY_LOG_LEVEL=DEBUG gateway
//
// Categories: secrets, ratelimit, abuse, replay, engine, auth, transport,
// storage, config, or all.
//
// Attributes whose key names credential material are redacted by every
// handler built here, so a careless log call cannot leak a tenant secret.
package debug

import (
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// Redacted replaces the value of sensitive attributes.
const Redacted = "[REDACTED]"

// sensitiveKeys are attribute keys never written verbatim.
var sensitiveKeys = map[string]bool{
	"secret":        true,
	"signature":     true,
	"password":      true,
	"authorization": true,
	"token":         true,
}

// categories is replaced wholesale by Init and read without locking.
var categories = parseCategories(os.Getenv("GATEWAY_DEBUG"))

// Init installs the default slog logger. Environment values win over the
// config arguments. format is "json" or "text".
func Init(configCategories, configLevel, format string) {
	cats := os.Getenv("GATEWAY_DEBUG")
	if cats == "" {
		cats = configCategories
	}
	categories = parseCategories(cats)

	level := os.Getenv("GATEWAY_LOG_LEVEL")
	if level == "" {
		level = configLevel
	}
	slog.SetDefault(slog.New(NewHandler(os.Stderr, ParseLevel(level), format)))
}

// NewHandler builds the gateway's log handler writing to w.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// Enabled reports whether category logs at debug level.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log writes a debug record tagged with category when it is enabled.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// ParseLevel maps ERROR, WARN, INFO and DEBUG to slog levels. Anything
// else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Categories returns the enabled categories, sorted.
func Categories() []string {
	out := make([]string, 0, len(categories))
	for k := range categories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		if cat = strings.ToLower(strings.TrimSpace(cat)); cat != "" {
			m[cat] = true
		}
	}
	return m
}
