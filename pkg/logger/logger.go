// Package logger is the structured logrus logger shared by the domain proxy.
//
// Each long-lived part of the proxy logs through its own component logger so
// entries can be filtered by the "component" field: the DNS resolution worker
// (dns_resolver), the per-domain health supervisor (health_check), backend
// probes (backend), host routing (router), the forwarding path (proxy) and
// the admin API (admin). Fields attached with WithField are inherited by
// every logger derived from it.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger is a logrus.Logger carrying fields that every entry it writes includes
type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

// Config mirrors the logging section of the proxy configuration. Format is
// "json" (default) or "text"; Output is "stdout" (default), "stderr" or "file".
type Config struct {
	Level  string
	Format string
	Output string
	File   string
}

// New builds the process logger. An unknown level is an error.
func New(config Config) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch config.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	}

	var output io.Writer
	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		if config.File == "" {
			config.File = "domain-proxy.log"
		}

		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, err
		}

		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	default:
		output = os.Stdout
	}

	logger.SetOutput(output)

	return &Logger{
		Logger: logger,
		fields: make(logrus.Fields),
	}, nil
}

// NewNop returns a logger that discards everything, for tests and one-off commands
func NewNop() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{
		Logger: logger,
		fields: make(logrus.Fields),
	}
}

// WithField returns a child logger with one more field; l is left unchanged
func (l *Logger) WithField(key string, value interface{}) *Logger {
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value

	return &Logger{
		Logger: l.Logger,
		fields: fields,
	}
}

// WithFields is WithField for several fields at once
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	newFields := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: newFields,
	}
}

// WithError records err under the "error" field
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(args ...interface{}) {
	l.Logger.WithFields(l.fields).Debug(args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Debugf(format, args...)
}

func (l *Logger) Info(args ...interface{}) {
	l.Logger.WithFields(l.fields).Info(args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Infof(format, args...)
}

func (l *Logger) Warn(args ...interface{}) {
	l.Logger.WithFields(l.fields).Warn(args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Warnf(format, args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.Logger.WithFields(l.fields).Error(args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Errorf(format, args...)
}

// Fatal logs and exits the process with status 1
func (l *Logger) Fatal(args ...interface{}) {
	l.Logger.WithFields(l.fields).Fatal(args...)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Fatalf(format, args...)
}

// RequestLogger tags entries with the proxied request they belong to
func (l *Logger) RequestLogger(requestID, method, host, path, remoteAddr string) *Logger {
	return l.WithFields(logrus.Fields{
		"request_id":  requestID,
		"method":      method,
		"host":        host,
		"path":        path,
		"remote_addr": remoteAddr,
		"component":   "request_handler",
	})
}

// ResolverLogger is used by the worker that resolves domains and installs pools
func (l *Logger) ResolverLogger() *Logger {
	return l.WithField("component", "dns_resolver")
}

// PoolLogger is used by the health supervisor of one domain's pool
func (l *Logger) PoolLogger(domain string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "health_check",
		"domain":    domain,
	})
}

// BackendLogger reports probe results for a single backend address
func (l *Logger) BackendLogger(domain, address string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "backend",
		"domain":    domain,
		"backend":   address,
	})
}

// RouterLogger logs Host header to pool lookups
func (l *Logger) RouterLogger() *Logger {
	return l.WithField("component", "router")
}

// ProxyLogger logs forwarding to upstreams and upstream failures
func (l *Logger) ProxyLogger() *Logger {
	return l.WithField("component", "proxy")
}

// AdminLogger logs domain add and remove calls on the admin API
func (l *Logger) AdminLogger() *Logger {
	return l.WithField("component", "admin")
}

// MiddlewareLogger names the admin middleware, such as jwt_auth, in each entry
func (l *Logger) MiddlewareLogger(middlewareName string) *Logger {
	return l.WithFields(logrus.Fields{
		"component":  "middleware",
		"middleware": middlewareName,
	})
}
