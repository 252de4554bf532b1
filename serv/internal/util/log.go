package util

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// shortTimeEncoder encodes time in HH:MM:SS format for cleaner console output
func shortTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05"))
}

// NewLogger creates a new zap logger writing to stdout
// json - if true logs are in json format
// level - debug, info, warn or error (defaults to info)
func NewLogger(json bool, level string) *zap.Logger {
	return NewLoggerWithOutput(json, level, os.Stdout)
}

// NewLoggerWithOutput creates a new zap logger instance with a custom output
func NewLoggerWithOutput(json bool, level string, output zapcore.WriteSyncer) *zap.Logger {
	econf := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var enc zapcore.Encoder

	if json {
		enc = zapcore.NewJSONEncoder(econf)
	} else {
		econf.EncodeTime = shortTimeEncoder
		econf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		econf.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(econf)
	}

	core := zapcore.NewCore(enc, output, ParseLevel(level))
	return zap.New(core)
}

// ParseLevel maps a config log level to a zap level. Unknown values map to
// info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
