package definition

import "go.uber.org/zap"

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface, for
// production deployments that want structured logging instead of the
// stdlib-backed DefaultLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	debug bool
}

// NewZapLogger wraps an existing zap logger. Pass zap.NewProduction() or
// zap.NewDevelopment() results (sugared) from the caller's own
// construction, so the bus never decides zap's output encoding itself.
func NewZapLogger(sugar *zap.SugaredLogger) *ZapLogger {
	return &ZapLogger{sugar: sugar}
}

func (l *ZapLogger) Info(v ...any)                    { l.sugar.Info(v...) }
func (l *ZapLogger) Infof(format string, v ...any)     { l.sugar.Infof(format, v...) }
func (l *ZapLogger) Warn(v ...any)                     { l.sugar.Warn(v...) }
func (l *ZapLogger) Warnf(format string, v ...any)     { l.sugar.Warnf(format, v...) }
func (l *ZapLogger) Error(v ...any)                    { l.sugar.Error(v...) }
func (l *ZapLogger) Errorf(format string, v ...any)    { l.sugar.Errorf(format, v...) }
func (l *ZapLogger) Fatal(v ...any)                    { l.sugar.Fatal(v...) }
func (l *ZapLogger) Fatalf(format string, v ...any)    { l.sugar.Fatalf(format, v...) }

func (l *ZapLogger) Debug(v ...any) {
	if l.debug {
		l.sugar.Debug(v...)
	}
}

func (l *ZapLogger) Debugf(format string, v ...any) {
	if l.debug {
		l.sugar.Debugf(format, v...)
	}
}

func (l *ZapLogger) ToggleDebug(value bool) bool {
	l.debug = value
	return l.debug
}
