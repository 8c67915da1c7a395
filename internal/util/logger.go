// Package util provides logging and other ambient helpers shared by the
// download engine's components.
package util

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// IsDebug toggles verbose, caller-annotated logging across the engine.
var IsDebug bool

// Logger is the engine's shared structured logger.
var Logger *log.Logger

func getColoredPrefix() string {
	style := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#2F6F4E")).
		Bold(true).
		Padding(0, 1).
		MarginRight(1)
	return style.Render("hlsdl")
}

// InitLogger initializes the package-level logger. Safe to call more than
// once; the last call wins.
func InitLogger() {
	Logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    IsDebug,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Prefix:          getColoredPrefix(),
	})

	if IsDebug {
		Logger.SetLevel(log.DebugLevel)
	} else {
		Logger.SetLevel(log.InfoLevel)
	}
	Logger.SetColorProfile(termenv.TrueColor)
}

func ensure() {
	if Logger == nil {
		InitLogger()
	}
}

// Debug logs a debug message (only surfaced when debug mode is enabled).
func Debug(msg interface{}, keyvals ...interface{}) {
	ensure()
	if IsDebug {
		Logger.Debug(fmt.Sprintf("%v", msg), keyvals...)
	}
}

// Info logs an info message.
func Info(msg interface{}, keyvals ...interface{}) {
	ensure()
	Logger.Info(fmt.Sprintf("%v", msg), keyvals...)
}

// Warn logs a warning message.
func Warn(msg interface{}, keyvals ...interface{}) {
	ensure()
	Logger.Warn(fmt.Sprintf("%v", msg), keyvals...)
}

// Error logs an error message.
func Error(msg interface{}, keyvals ...interface{}) {
	ensure()
	Logger.Error(fmt.Sprintf("%v", msg), keyvals...)
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...interface{}) {
	ensure()
	if IsDebug {
		Logger.Debug(fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted info message.
func Infof(format string, args ...interface{}) {
	ensure()
	Logger.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message.
func Warnf(format string, args ...interface{}) {
	ensure()
	Logger.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...interface{}) {
	ensure()
	Logger.Error(fmt.Sprintf(format, args...))
}
