package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05.000"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Level-named logging on the pterm default logger, which writes to stderr.
// Scoped loggers attach the component as a structured "in" argument so the
// message text stays greppable.

func LogDebug(format string, args ...interface{})   { logf(pterm.LogLevelDebug, "", format, args) }
func LogInfo(format string, args ...interface{})    { logf(pterm.LogLevelInfo, "", format, args) }
func LogSuccess(format string, args ...interface{}) { logf(pterm.LogLevelInfo, "", format, args) }
func LogWarning(format string, args ...interface{}) { logf(pterm.LogLevelWarn, "", format, args) }
func LogError(format string, args ...interface{})   { logf(pterm.LogLevelError, "", format, args) }

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

func logf(level pterm.LogLevel, component, format string, args []interface{}) {
	l := &pterm.DefaultLogger
	if level < l.Level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	var fields [][]pterm.LoggerArgument
	if component != "" {
		fields = append(fields, l.Args("in", component))
	}

	switch level {
	case pterm.LogLevelDebug:
		l.Debug(msg, fields...)
	case pterm.LogLevelInfo:
		l.Info(msg, fields...)
	case pterm.LogLevelWarn:
		l.Warn(msg, fields...)
	default:
		l.Error(msg, fields...)
	}
}

// Logger tags every line with the component that wrote it, e.g. "session".
type Logger struct {
	component string
}

// Scoped returns a Logger for the given component.
func Scoped(component string) Logger {
	return Logger{component: component}
}

func (l Logger) Debugf(format string, args ...interface{}) {
	logf(pterm.LogLevelDebug, l.component, format, args)
}

func (l Logger) Infof(format string, args ...interface{}) {
	logf(pterm.LogLevelInfo, l.component, format, args)
}

func (l Logger) Warnf(format string, args ...interface{}) {
	logf(pterm.LogLevelWarn, l.component, format, args)
}

func (l Logger) Errorf(format string, args ...interface{}) {
	logf(pterm.LogLevelError, l.component, format, args)
}
