package dnsfwd

import (
	"github.com/sirupsen/logrus"
)

// Log is the package-level sink used throughout dnsfwd. Replace it, or
// adjust it with SetLevel (and logrus.SetOutput, since it wraps logrus's
// standard logger), to integrate with a host application's logging.
// It defaults to a logrus-backed logger at Info level writing to stderr.
var Log Logger = newLogrusLogger()

// Logger is the opaque logging sink the core targets. Info/Warn/Error match
// the external logging surface named in the design; Debug is additionally
// used for high-volume per-query tracing that is normally disabled.
type Logger interface {
	// With returns a Logger that prefixes subsequent messages with the
	// given alternating key/value pairs.
	With(kv ...interface{}) Logger
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

// logrusLogger adapts *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

func newLogrusLogger() *logrusLogger {
	l := logrus.StandardLogger()
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// SetLevel adjusts the verbosity of the default logrus-backed logger. It is
// a no-op if Log has been replaced with a custom Logger implementation.
func SetLevel(level logrus.Level) {
	if l, ok := Log.(*logrusLogger); ok {
		l.entry.Logger.SetLevel(level)
	}
}

func fieldsFromKV(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

func (l *logrusLogger) With(kv ...interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fieldsFromKV(kv))}
}

func (l *logrusLogger) Debug(msg string, kv ...interface{}) {
	l.entry.WithFields(fieldsFromKV(kv)).Debug(msg)
}

func (l *logrusLogger) Info(msg string, kv ...interface{}) {
	l.entry.WithFields(fieldsFromKV(kv)).Info(msg)
}

func (l *logrusLogger) Warn(msg string, kv ...interface{}) {
	l.entry.WithFields(fieldsFromKV(kv)).Warn(msg)
}

func (l *logrusLogger) Error(msg string, kv ...interface{}) {
	l.entry.WithFields(fieldsFromKV(kv)).Error(msg)
}
