// Package logging provides the structured logger used by every component.
// It keeps a small component-scoped API on top of zap.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps a case-insensitive level name to a Level.
// Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config configures a Logger.
type Config struct {
	// Level is the minimum level written. Default: INFO.
	Level Level

	// Format is "console" or "json". Default: console.
	Format string

	// Output receives log lines. Default: stdout.
	Output io.Writer
}

// Logger writes structured, component-scoped log lines.
type Logger struct {
	zl        *zap.Logger
	level     zap.AtomicLevel
	format    string
	output    io.Writer
	component string
}

// New creates a console Logger at INFO level writing to stdout.
func New() *Logger {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a Logger from cfg.
func NewWithConfig(cfg Config) *Logger {
	if cfg.Level == "" {
		cfg.Level = LevelInfo
	}
	if cfg.Format == "" {
		cfg.Format = "console"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	l := &Logger{
		level:  zap.NewAtomicLevelAt(cfg.Level.zapLevel()),
		format: cfg.Format,
		output: cfg.Output,
	}
	l.zl = l.build()
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{
		zl:     zap.NewNop(),
		level:  zap.NewAtomicLevelAt(zapcore.FatalLevel),
		format: "console",
		output: io.Discard,
	}
}

func (l *Logger) build() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if l.format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(l.output), l.level)
	zl := zap.New(core)
	if l.component != "" {
		zl = zl.Named(l.component)
	}
	return zl
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := &Logger{
		level:     l.level,
		format:    l.format,
		output:    l.output,
		component: component,
	}
	if l.output == io.Discard {
		c.zl = zap.NewNop()
		return c
	}
	c.zl = c.build()
	return c
}

// Component returns the component name, if any.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel sets the minimum log level. Loggers derived with WithComponent
// share the level with their parent.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.zl = l.build()
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.zl.Debug(msg, toZap(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.zl.Info(msg, toZap(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.zl.Warn(msg, toZap(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.zl.Error(msg, toZap(fields)...)
}

// toZap converts the first field map into zap fields in key order.
func toZap(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil
	}
	m := fields[0]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := m[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		case time.Duration:
			out = append(out, zap.String(k, v.String()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

// --- Domain event helpers ---

// RequestHandled logs one dispatched protocol request.
func (l *Logger) RequestHandled(msgType, corrID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"type":     msgType,
		"corr_id":  corrID,
		"duration": duration,
	}
	if err != nil {
		fields["error"] = err
		l.Warn("request_failed", fields)
		return
	}
	l.Debug("request_handled", fields)
}

// CustomerAssigned logs a queue assignment.
func (l *Logger) CustomerAssigned(name, checkoutID string, basketSize, position int) {
	l.Info("customer_assigned", map[string]interface{}{
		"customer":    name,
		"checkout_id": checkoutID,
		"basket_size": basketSize,
		"position":    position,
	})
}

// CheckoutRegistered logs a (re-)registration and any customers it dropped.
func (l *Logger) CheckoutRegistered(checkoutID string, dropped int) {
	fields := map[string]interface{}{"checkout_id": checkoutID}
	if dropped > 0 {
		fields["dropped_customers"] = dropped
		l.Warn("checkout_reregistered_queue_dropped", fields)
		return
	}
	l.Info("checkout_registered", fields)
}
