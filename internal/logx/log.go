// Package logx owns the process-wide zerolog logger. Packages pull
// component loggers off Log rather than configuring zerolog themselves.
package logx

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the root logger. Configure replaces it; component loggers
// derived before that keep the old settings.
var Log = log.Logger

var levels = map[string]zerolog.Level{
	"all":      zerolog.TraceLevel,
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"info":     zerolog.InfoLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"fatal":    zerolog.FatalLevel,
	"none":     zerolog.Disabled,
	"off":      zerolog.Disabled,
	"disabled": zerolog.Disabled,
}

// Configure applies the requested verbosity and routes output through a
// console writer on stderr.
func Configure(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// parseLevel maps a level name to its zerolog level; anything it does
// not recognize, including the empty string, means info.
func parseLevel(level string) zerolog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

func init() {
	Configure(os.Getenv("LOG_LEVEL"))
}
