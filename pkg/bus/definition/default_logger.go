package definition

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const (
	calldepth = 2
	tagInfo   = "INFO"
	tagWarn   = "WARN"
	tagError  = "ERROR"
	tagDebug  = "DEBUG"
	tagFatal  = "FATAL"
)

// defaultThrottle bounds how often an identical Warn/Error message may
// repeat. A bus under peer churn can fire the same dispatch-path warning
// (disallowed origin, causal overflow, stream dispatch failure) once per
// message; without this a single noisy peer fills the log.
const defaultThrottle = time.Second

// DefaultLogger is the zero-configuration Logger backed by the stdlib
// log package. It throttles repeated Warn/Error lines so a single
// misbehaving peer can't flood the output.
type DefaultLogger struct {
	*log.Logger

	mu       sync.Mutex
	debug    bool
	throttle time.Duration
	lastSeen map[string]time.Time
}

// NewDefaultLogger builds a DefaultLogger writing to stderr.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		Logger:   log.New(os.Stderr, "xbus ", log.LstdFlags),
		throttle: defaultThrottle,
		lastSeen: make(map[string]time.Time),
	}
}

func tag(prefix, message string) string {
	return fmt.Sprintf("[%s]: %s", prefix, message)
}

// allow reports whether message hasn't been logged within the last
// throttle window, recording it if so. A zero throttle disables
// suppression entirely.
func (l *DefaultLogger) allow(message string) bool {
	if l.throttle <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastSeen[message]; ok && time.Since(last) < l.throttle {
		return false
	}
	l.lastSeen[message] = time.Now()
	return true
}

func (l *DefaultLogger) Info(v ...any) {
	l.Output(calldepth, tag(tagInfo, fmt.Sprint(v...)))
}

func (l *DefaultLogger) Infof(format string, v ...any) {
	l.Output(calldepth, tag(tagInfo, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Warn(v ...any) {
	msg := fmt.Sprint(v...)
	if l.allow(msg) {
		l.Output(calldepth, tag(tagWarn, msg))
	}
}

func (l *DefaultLogger) Warnf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if l.allow(msg) {
		l.Output(calldepth, tag(tagWarn, msg))
	}
}

func (l *DefaultLogger) Error(v ...any) {
	msg := fmt.Sprint(v...)
	if l.allow(msg) {
		l.Output(calldepth, tag(tagError, msg))
	}
}

func (l *DefaultLogger) Errorf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if l.allow(msg) {
		l.Output(calldepth, tag(tagError, msg))
	}
}

func (l *DefaultLogger) Debug(v ...any) {
	if l.debug {
		l.Output(calldepth, tag(tagDebug, fmt.Sprint(v...)))
	}
}

func (l *DefaultLogger) Debugf(format string, v ...any) {
	if l.debug {
		l.Output(calldepth, tag(tagDebug, fmt.Sprintf(format, v...)))
	}
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	return l.debug
}

func (l *DefaultLogger) Fatal(v ...any) {
	l.Output(calldepth, tag(tagFatal, fmt.Sprint(v...)))
	os.Exit(1)
}

func (l *DefaultLogger) Fatalf(format string, v ...any) {
	l.Output(calldepth, tag(tagFatal, fmt.Sprintf(format, v...)))
	os.Exit(1)
}
