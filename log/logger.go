// Package log provides structured logging with pipeline run context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for core runtime (high performance, structured fields)
//   - SugaredLogger: Printf-style logging for CLI/debug surfaces (convenience over performance)
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context carries the identity fields every log line in the core runtime
// should attach: which tenant, run, stage, and attempt produced it.
type Context struct {
	TenantID string
	RunID    string
	Stage    string
	JobID    string
	Attempt  int
}

// Logger provides structured logging with pipeline run context.
//
// Use this for core runtime paths where performance matters.
// For CLI/debug surfaces, use Sugar() to get a SugaredLogger.
type Logger struct {
	zap *zap.Logger
	ctx Context
}

// SugaredLogger provides printf-style logging for CLI and debug surfaces.
// Wraps zap.SugaredLogger with run context.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new logger with run context. Output defaults to
// os.Stderr.
func NewLogger(ctx Context) *Logger {
	return newLoggerWithWriter(ctx, os.Stderr)
}

// WithOutput returns a new logger with the same run context and a different
// output writer. Fields added with With are not carried over.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return newLoggerWithWriter(l.ctx, w)
}

// With returns a logger with additional structured fields merged into every
// subsequent entry.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{zap: l.zap.With(zap.Any("fields", fields)), ctx: l.ctx}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func newLoggerWithWriter(ctx Context, w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)

	contextFields := []zap.Field{
		zap.String("tenant_id", ctx.TenantID),
		zap.String("run_id", ctx.RunID),
	}
	if ctx.Stage != "" {
		contextFields = append(contextFields, zap.String("stage", ctx.Stage))
	}
	if ctx.JobID != "" {
		contextFields = append(contextFields, zap.String("job_id", ctx.JobID))
	}
	if ctx.Attempt > 0 {
		contextFields = append(contextFields, zap.Int("attempt", ctx.Attempt))
	}

	zapLogger := zap.New(core).With(contextFields...)
	return &Logger{zap: zapLogger, ctx: ctx}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
