// Package definition holds the bus's pluggable ambient interfaces and
// their default implementations: today, just the Logger.
package definition

// Logger is the logging interface every core component depends on, so
// call sites read the same regardless of which implementation is wired
// in.
type Logger interface {
	Info(v ...any)
	Infof(format string, v ...any)
	Warn(v ...any)
	Warnf(format string, v ...any)
	Error(v ...any)
	Errorf(format string, v ...any)
	Debug(v ...any)
	Debugf(format string, v ...any)
	Fatal(v ...any)
	Fatalf(format string, v ...any)
	ToggleDebug(value bool) bool
}
