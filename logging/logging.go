// Package logging provides the structured logger used across ocirootfs.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures a Logger. Zero values fall back to text output on
// stderr at the level named by LOG_LEVEL, or info.
type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

type traceKey struct{}

// WithTraceID attaches a trace ID that WithContext will log.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// Logger wraps a logrus logger with the ocirootfs event vocabulary.
type Logger struct {
	logger *logrus.Logger
}

// New creates a Logger.
func New(opts Options) *Logger {
	logger := logrus.New()

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	if opts.Format == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logger.SetLevel(logrus.InfoLevel)
	if level != "" {
		if lvl, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(lvl)
		}
	}

	return &Logger{logger: logger}
}

// Discard returns a Logger that drops everything. Used as the default by
// packages that accept an optional logger.
func Discard() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{logger: logger}
}

// WithContext returns an entry carrying the common fields.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.logger.WithField("component", "ocirootfs")
	if id, ok := ctx.Value(traceKey{}).(string); ok && id != "" {
		entry = entry.WithField("trace_id", id)
	}
	return entry.WithContext(ctx)
}

// Component returns an entry tagged with a sub-component name.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.logger.WithField("component", name)
}

// LogUnpackStart logs the beginning of an image unpack.
func (l *Logger) LogUnpackStart(ctx context.Context, image, platform, root string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"event":    "unpack_start",
		"image":    image,
		"platform": platform,
		"root":     root,
	}).Info(fmt.Sprintf("Unpacking %s", image))
}

// LogUnpackComplete logs the end of an image unpack.
func (l *Logger) LogUnpackComplete(ctx context.Context, image string, layers int, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event":    "unpack_complete",
		"image":    image,
		"layers":   layers,
		"duration": duration.String(),
		"success":  err == nil,
	})

	if err != nil {
		entry.WithField("error", err.Error()).Error(fmt.Sprintf("Unpacking %s failed", image))
		return
	}
	entry.Info(fmt.Sprintf("Unpacked %s", image))
}

// LogRegistryOperation logs a registry round trip.
func (l *Logger) LogRegistryOperation(ctx context.Context, operation, registry, image string, success bool, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event":     "registry_operation",
		"operation": operation,
		"registry":  registry,
		"image":     image,
		"success":   success,
		"duration":  duration.String(),
	})

	if success {
		entry.Debug(fmt.Sprintf("Registry operation completed: %s", operation))
	} else {
		entry.Warn(fmt.Sprintf("Registry operation failed: %s", operation))
	}
}

// LogSecurityEvent logs a rejected filesystem mutation or similar event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event":          "security",
		"security_event": event,
	})

	for key, value := range details {
		entry = entry.WithField(key, value)
	}

	entry.Warn(fmt.Sprintf("Security event: %s", event))
}

// Logrus returns the underlying logrus logger.
func (l *Logger) Logrus() *logrus.Logger {
	return l.logger
}
