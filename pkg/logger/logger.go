package logger

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Logger interface {
	WithFields(fields map[string]interface{}) Logger
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type entry struct {
	e *logrus.Entry
}

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
}

func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	std.SetLevel(lvl)
	return nil
}

func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// New wraps a dedicated logrus logger, mostly for tests.
func New(l *logrus.Logger) Logger {
	return &entry{e: logrus.NewEntry(l)}
}

// Discard drops everything.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(l)
}

func Default() Logger {
	return &entry{e: logrus.NewEntry(std)}
}

func WithFields(fields map[string]interface{}) Logger {
	return Default().WithFields(fields)
}

func WithField(key string, value interface{}) Logger {
	return Default().WithField(key, value)
}

func (l *entry) WithFields(fields map[string]interface{}) Logger {
	return &entry{e: l.e.WithFields(logrus.Fields(fields))}
}

func (l *entry) WithField(key string, value interface{}) Logger {
	return &entry{e: l.e.WithField(key, value)}
}

func (l *entry) WithError(err error) Logger {
	return &entry{e: l.e.WithError(err)}
}

func (l *entry) Debug(args ...interface{}) { l.e.Debug(args...) }
func (l *entry) Info(args ...interface{})  { l.e.Info(args...) }
func (l *entry) Warn(args ...interface{})  { l.e.Warn(args...) }
func (l *entry) Error(args ...interface{}) { l.e.Error(args...) }

func (l *entry) Debugf(format string, args ...interface{}) { l.e.Debugf(format, args...) }
func (l *entry) Infof(format string, args ...interface{})  { l.e.Infof(format, args...) }
func (l *entry) Warnf(format string, args ...interface{})  { l.e.Warnf(format, args...) }
func (l *entry) Errorf(format string, args ...interface{}) { l.e.Errorf(format, args...) }
