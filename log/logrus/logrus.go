// Package logrus adapts a logrus entry to idxcas.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/idxcas"
)

var _ idxcas.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New tags every entry with component=idxcas.
func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "idxcas")}
}

// Debug is called per batch flush; skip building the entry when disabled.
func (l LogrusLogger) Debug(msg string, f idxcas.Fields) {
	if !l.E.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	l.entry(f).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f idxcas.Fields)  { l.entry(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f idxcas.Fields)  { l.entry(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f idxcas.Fields) { l.entry(f).Error(msg) }

// entry moves an "err" field to logrus' error key.
func (l LogrusLogger) entry(f idxcas.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	err, isErr := f["err"].(error)
	if !isErr {
		return l.E.WithFields(logrus.Fields(f))
	}
	rest := make(logrus.Fields, len(f)-1)
	for k, v := range f {
		if k != "err" {
			rest[k] = v
		}
	}
	return l.E.WithFields(rest).WithError(err)
}
