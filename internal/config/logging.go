package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug]. The bridge logs every
// discovery payload it publishes at this level.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps LOG_LEVEL to an [slog.Level]. Matching ignores case
// and surrounding whitespace; empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// ParseLogFormat maps LOG_FORMAT to a [LogFormat]. Empty means text.
func ParseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	}
	return LogFormatText, fmt.Errorf("unknown log format %q (valid: text, json)", s)
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] hook that
// prints [LevelTrace] as "TRACE" instead of "DEBUG-4".
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// NewLogger builds the process logger writing to w.
func NewLogger(w io.Writer, level slog.Level, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the logger described by LogLevel and LogFormat. Both are
// checked by [Config.Validate]; invalid values fall back to info and text.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	format, _ := ParseLogFormat(c.LogFormat)
	return NewLogger(w, level, format)
}
