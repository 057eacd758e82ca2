package vfs

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

type logLevel int

const (
	logOff logLevel = iota
	logInterceptOnly
	logDebug
)

var (
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	level  = parseLogLevel()
)

func parseLogLevel() logLevel {
	if os.Getenv("PTL_DEBUG") != "" {
		return logDebug
	}
	level := strings.ToLower(strings.TrimSpace(os.Getenv("PTL_LOG_LEVEL")))
	switch level {
	case "", "off", "none", "0":
		return logOff
	case "intercept", "info", "1":
		return logInterceptOnly
	case "debug", "verbose", "2":
		return logDebug
	default:
		return logOff
	}
}

func debugf(format string, args ...interface{}) {
	if level < logDebug {
		return
	}
	logger.Debug(fmt.Sprintf(format, args...))
}

func warnf(format string, args ...interface{}) {
	if level < logInterceptOnly {
		return
	}
	logger.Warn(fmt.Sprintf(format, args...))
}

func logDispatch(op string, path string, resolved string) {
	if level < logInterceptOnly {
		return
	}
	logger.Info(
		"dispatch",
		"op", op,
		"path", path,
		"resolved", resolved,
	)
}
