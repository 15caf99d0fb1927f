// Package logging is a small leveled wrapper around the standard logger.
// Library code logs through it so the CLI can turn verbosity up or down
// without threading a logger through every call.
package logging

import (
	"log"
	"strings"
)

// Level represents the logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var currentLevel = LevelInfo

// SetLevel sets the global logging level from a string. Unknown values fall
// back to info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		currentLevel = LevelDebug
	case "info":
		currentLevel = LevelInfo
	case "warn", "warning":
		currentLevel = LevelWarn
	case "error":
		currentLevel = LevelError
	default:
		currentLevel = LevelInfo
	}
}

// DebugEnabled reports whether DEBUG messages are being emitted, so callers
// can skip building expensive trace output.
func DebugEnabled() bool {
	return currentLevel <= LevelDebug
}

// Debug logs a message at DEBUG level
func Debug(format string, v ...interface{}) {
	if currentLevel <= LevelDebug {
		log.Printf("DEBUG "+format, v...)
	}
}

// Info logs a message at INFO level
func Info(format string, v ...interface{}) {
	if currentLevel <= LevelInfo {
		log.Printf("INFO "+format, v...)
	}
}

// Warn logs a message at WARN level
func Warn(format string, v ...interface{}) {
	if currentLevel <= LevelWarn {
		log.Printf("WARN "+format, v...)
	}
}

// Error logs a message at ERROR level
func Error(format string, v ...interface{}) {
	if currentLevel <= LevelError {
		log.Printf("ERROR "+format, v...)
	}
}
