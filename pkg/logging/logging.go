// Package logging builds the zap logger used by the agent and the CLI.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Debug lowers the level to debug.
	Debug bool
	// File is a rotated log file written besides stdout. Empty disables it.
	File string
	// Stdout disables console output when false and File is set.
	Stdout bool
}

// New returns a JSON logger writing to stdout and, when configured, a
// rotated log file.
func New(opts Options) *zap.Logger {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(getEncoder(), logWriter(opts), level)
	return zap.New(core, zap.AddCaller())
}

func getEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:   "message",
		TimeKey:      "time",
		LevelKey:     "level",
		CallerKey:    "caller",
		EncodeLevel:  CustomLevelEncoder,
		EncodeTime:   SyslogTimeEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	})
}

// SyslogTimeEncoder formats timestamps the way syslog does.
func SyslogTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05"))
}

// CustomLevelEncoder renders the level as [LEVEL].
func CustomLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

func logWriter(opts Options) zapcore.WriteSyncer {
	if opts.File == "" {
		return zapcore.AddSync(os.Stdout)
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename: opts.File,
		MaxSize:  500,
		MaxAge:   30,
	})
	if !opts.Stdout {
		return file
	}
	return zapcore.NewMultiWriteSyncer(file, zapcore.AddSync(os.Stdout))
}
