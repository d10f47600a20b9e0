// Package logging provides the leveled logger shared by the library.
// The default logger writes human-readable lines to stderr; set
// MYNETLIB_LOG_FILE to log to a rotating file instead, and
// MYNETLIB_LOG_LEVEL (debug|info|warn|error) to change the level.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var logger *zap.SugaredLogger

func init() {
	lvl := zapcore.InfoLevel
	switch os.Getenv("MYNETLIB_LOG_LEVEL") {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	var ws zapcore.WriteSyncer
	if f := os.Getenv("MYNETLIB_LOG_FILE"); f != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   f,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		})
	} else {
		ws = zapcore.Lock(os.Stderr)
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), ws, lvl)
	logger = zap.New(core).Sugar()
}

// SetLogger replaces the package logger, for embedding applications that
// carry their own zap setup.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger = l
	}
}

func Debugf(format string, args ...interface{}) { logger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { logger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { logger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }

// Fatalf logs and terminates the process. Reserved for configuration
// faults the library cannot continue from.
func Fatalf(format string, args ...interface{}) { logger.Fatalf(format, args...) }

// Error logs err if it is non-nil.
func Error(err error) {
	if err != nil {
		logger.Errorf("%v", err)
	}
}
