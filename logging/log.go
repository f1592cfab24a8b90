// Package logging wires up the btclog backend shared by every package in
// this module: a disabled-by-default package logger that callers opt into
// with UseLogger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// backendLog is the backend all subsystem loggers are created from. Each
// package keeps its own logger disabled (btclog.Disabled) until a caller
// opts in via UseLogger, so this backend's default writer only matters
// once that happens.
var backendLog = btclog.NewBackend(os.Stderr)

var logRotator *rotator.Rotator

// Disabled is a convenience alias so packages can initialize their logger
// vars without importing btclog directly.
var Disabled = btclog.Disabled

// NewSubsystemLogger returns a logger tagged with subsystemTag, e.g. "DHT"
// or "BKT", from the current backend. Packages start with Disabled; a
// caller enables one by passing a logger from here to its UseLogger.
func NewSubsystemLogger(subsystemTag string) btclog.Logger {
	return backendLog.Logger(subsystemTag)
}

// SetLogWriter replaces the backend with one writing to w, e.g. os.Stdout.
// Only loggers created afterwards by NewSubsystemLogger write to w;
// loggers already handed out keep their old backend. It does not keep
// writing to a rotator configured via InitLogRotator.
func SetLogWriter(w *os.File) {
	backendLog = btclog.NewBackend(w)
}

// InitLogRotator initializes a rotating log file at logFile and replaces
// the backend with one writing only to that file. Only loggers created
// afterwards by NewSubsystemLogger write to it; loggers already handed
// out keep their old backend, and a writer set via SetLogWriter is no
// longer written to.
//
// maxRolls is the number of rotated files to keep around.
func InitLogRotator(logFile string, maxRolls int) error {
	r, err := rotator.New(logFile, 10*1024, false, maxRolls)
	if err != nil {
		return fmt.Errorf("logging: failed to create log rotator: %w", err)
	}
	logRotator = r
	backendLog = btclog.NewBackend(logWriter{})
	return nil
}

// logWriter implements io.Writer by forwarding to the active rotator, if
// any was configured via InitLogRotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	if logRotator == nil {
		return len(p), nil
	}
	return logRotator.Write(p)
}

// SetLogLevels parses a comma separated subsystem=level list (e.g.
// "DHT=debug,BKT=trace") and applies it to the given logger set. Unknown
// subsystems and unparseable levels are ignored. An entry with no
// subsystem (e.g. "debug") applies to every logger in the set.
func SetLogLevels(loggers map[string]btclog.Logger, levelSpec string) {
	if levelSpec == "" {
		return
	}
	for _, entry := range strings.Split(levelSpec, ",") {
		subsystem, levelStr, hasSubsystem := strings.Cut(entry, "=")
		if !hasSubsystem {
			levelStr = subsystem
		}
		level, ok := btclog.LevelFromString(levelStr)
		if !ok {
			continue
		}
		if !hasSubsystem {
			for _, logger := range loggers {
				logger.SetLevel(level)
			}
			continue
		}
		if logger, ok := loggers[subsystem]; ok {
			logger.SetLevel(level)
		}
	}
}
