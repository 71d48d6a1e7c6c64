// Package logging provides the structured logger used throughout the node.
// It wraps zap the way kwil-db's own log package does, exposing a small
// functional-options constructor and printf-style level methods so call
// sites read like n.log.Warnf("...", err) rather than zap's structured
// field API.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the CLI's -v verbosity count: 0=error, 1=warn, 2=info,
// 3=debug, >=4=trace (trace collapses to debug; zap has no trace level).
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) zapLevel() zapcore.Level {
	switch {
	case l <= LevelError:
		return zapcore.ErrorLevel
	case l == LevelWarn:
		return zapcore.WarnLevel
	case l == LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// LevelFromVerbosity converts a repeated -v flag count into a Level.
func LevelFromVerbosity(v int) Level {
	if v > int(LevelDebug) {
		return LevelDebug
	}
	return Level(v)
}

type options struct {
	writer io.Writer
	level  Level
	name   string
}

// Option configures a Logger.
type Option func(*options)

// WithWriter sets the destination for log output. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option { return func(o *options) { o.writer = w } }

// WithLevel sets the minimum level that is emitted.
func WithLevel(lvl Level) Option { return func(o *options) { o.level = lvl } }

// WithName sets the base component name (e.g. "PRIMARY", "WORKER-0").
func WithName(name string) Option { return func(o *options) { o.name = name } }

// Logger is the printf-style logging facade used by every component.
type Logger struct {
	s    *zap.SugaredLogger
	name string
}

// New builds a root Logger from the given options.
func New(opts ...Option) *Logger {
	o := &options{writer: os.Stderr, level: LevelInfo}
	for _, opt := range opts {
		opt(o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewCore(enc, zapcore.AddSync(o.writer), o.level.zapLevel())
	zl := zap.New(core)

	return &Logger{s: zl.Sugar(), name: o.name}
}

// New derives a child Logger scoped under an additional name component,
// mirroring kwil-db's logger.New("PEERS") / logger.New("CONS") idiom.
func (l *Logger) New(name string) *Logger {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &Logger{s: l.s.Named(name), name: full}
}

func (l *Logger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }

func (l *Logger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

// Sync flushes any buffered log entries. Call before process exit.
func (l *Logger) Sync() error { return l.s.Sync() }
