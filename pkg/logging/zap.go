package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// zapLogger implements the Logger interface using uber-go/zap.
type zapLogger struct {
	logger *zap.Logger
	fields []Field
}

// Option configures the zap-backed logger.
type Option func(*options)

type options struct {
	level       zapcore.Level
	development bool
	filePath    string
	fileMaxMB   int
	fileBackups int
	fileMaxAge  int
}

func defaultOptions() *options {
	return &options{
		level:     zapcore.InfoLevel,
		fileMaxMB: 100,
	}
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) Option {
	return func(o *options) {
		switch level {
		case DEBUG:
			o.level = zapcore.DebugLevel
		case WARN:
			o.level = zapcore.WarnLevel
		case ERROR:
			o.level = zapcore.ErrorLevel
		default:
			o.level = zapcore.InfoLevel
		}
	}
}

// WithDevelopmentMode switches to a console-friendly encoder.
func WithDevelopmentMode() Option {
	return func(o *options) { o.development = true }
}

// WithRotatingFile duplicates log output to a size-rotated file. Old files
// are pruned after maxAgeDays when positive.
func WithRotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(o *options) {
		o.filePath = path
		if maxSizeMB > 0 {
			o.fileMaxMB = maxSizeMB
		}
		o.fileBackups = maxBackups
		o.fileMaxAge = maxAgeDays
	}
}

// NewLogger creates a zap-backed Logger writing JSON to stdout. A rotating
// file sink is added when configured via WithRotatingFile.
func NewLogger(opts ...Option) Logger {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stdout"}
	config.Level = zap.NewAtomicLevelAt(o.level)
	if o.development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.Level = zap.NewAtomicLevelAt(o.level)
	}

	base, err := config.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		base = zap.NewNop()
	}

	if o.filePath != "" {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(config.EncoderConfig),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   o.filePath,
				MaxSize:    o.fileMaxMB,
				MaxBackups: o.fileBackups,
				MaxAge:     o.fileMaxAge,
			}),
			o.level,
		)
		base = base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	return &zapLogger{logger: base}
}

// NewNop returns a Logger that discards everything. Intended for tests.
func NewNop() Logger {
	return &zapLogger{logger: zap.NewNop()}
}

func (l *zapLogger) Debug(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.DebugLevel, msg); ce != nil {
		ce.Write(l.convert(fields)...)
	}
}

func (l *zapLogger) Info(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.InfoLevel, msg); ce != nil {
		ce.Write(l.convert(fields)...)
	}
}

func (l *zapLogger) Warn(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.WarnLevel, msg); ce != nil {
		ce.Write(l.convert(fields)...)
	}
}

func (l *zapLogger) Error(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.ErrorLevel, msg); ce != nil {
		ce.Write(l.convert(fields)...)
	}
}

func (l *zapLogger) WithFields(fields ...Field) Logger {
	combined := make([]Field, 0, len(l.fields)+len(fields))
	combined = append(combined, l.fields...)
	combined = append(combined, fields...)
	return &zapLogger{logger: l.logger, fields: combined}
}

func (l *zapLogger) convert(fields []Field) []zap.Field {
	zapFields := make([]zap.Field, 0, len(l.fields)+len(fields))
	for _, f := range l.fields {
		zapFields = append(zapFields, zap.Any(f.Key, f.Value))
	}
	for _, f := range fields {
		zapFields = append(zapFields, zap.Any(f.Key, f.Value))
	}
	return zapFields
}
