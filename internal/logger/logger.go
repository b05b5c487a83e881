// Package logger wires zap with file rotation and a live feed into the
// gateway's websocket hub, so an admin client sees the same stream the
// log files capture.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// BroadcastFunc forwards one rendered log entry to the websocket hub.
type BroadcastFunc func(level, message, source string, fields map[string]interface{})

// Config selects level, rendering, and rotation.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // console or json (stdout rendering)
	LogDir     string // empty disables file logging
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig is what a bare `meshgate` run logs with.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		LogDir:     "./logs",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

var (
	mu          sync.RWMutex
	root        *zap.Logger
	broadcastFn BroadcastFunc
)

// Init builds the global logger. Called once from the composition root
// before any other package logs.
func Init(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	cores, err := buildCores(cfg, level)
	if err != nil {
		return err
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	root = l
	mu.Unlock()
	return nil
}

func buildCores(cfg Config, level zapcore.Level) ([]zapcore.Core, error) {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder

	var stdout zapcore.Encoder
	if cfg.Format == "json" {
		stdout = zapcore.NewJSONEncoder(enc)
	} else {
		stdout = zapcore.NewConsoleEncoder(enc)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(stdout, zapcore.AddSync(os.Stdout), level),
		&hubCore{level: level},
	}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "meshgate.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotated), level))
	}
	return cores, nil
}

// SetBroadcaster installs the websocket forwarder. Installed after the
// hub starts; entries logged before that are simply not broadcast.
func SetBroadcaster(fn BroadcastFunc) {
	mu.Lock()
	defer mu.Unlock()
	broadcastFn = fn
}

// Get returns the global logger, or a development fallback when Init
// has not run (tests mostly).
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return root
}

// Sync flushes buffered entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return nil
	}
	return root.Sync()
}

// WithNode returns a logger carrying a device's hardware identity.
func WithNode(ieee string, endpoint uint8) *zap.Logger {
	return Get().With(zap.String("ieee", ieee), zap.Uint8("endpoint", endpoint))
}

// WithRule returns a logger carrying a rule's identity.
func WithRule(id, name string) *zap.Logger {
	return Get().With(zap.String("rule_id", id), zap.String("rule_name", name))
}

// WithTask returns a logger carrying a pipeline task's identity.
func WithTask(id, dest string) *zap.Logger {
	return Get().With(zap.String("task_id", id), zap.String("dest", dest))
}

// hubCore is a zapcore.Core that renders entries through a
// MapObjectEncoder and hands them to the installed BroadcastFunc.
type hubCore struct {
	level  zapcore.Level
	fields []zapcore.Field
}

func (c *hubCore) Enabled(lvl zapcore.Level) bool { return lvl >= c.level }

func (c *hubCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &hubCore{level: c.level, fields: merged}
}

func (c *hubCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *hubCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	mu.RLock()
	fn := broadcastFn
	mu.RUnlock()
	if fn == nil {
		return nil
	}

	me := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(me)
	}
	for _, f := range fields {
		f.AddTo(me)
	}

	source := "backend"
	if s, ok := me.Fields["source"].(string); ok {
		source = s
		delete(me.Fields, "source")
	}

	fn(renderLevel(entry.Level), entry.Message, source, me.Fields)
	return nil
}

func (c *hubCore) Sync() error { return nil }

func renderLevel(lvl zapcore.Level) string {
	switch {
	case lvl <= zapcore.DebugLevel:
		return "debug"
	case lvl == zapcore.InfoLevel:
		return "info"
	case lvl == zapcore.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}
