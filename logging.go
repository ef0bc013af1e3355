// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tlsreactor

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is used for logging formatted messages.
type Logger interface {
	// Debugf logs messages at DEBUG level.
	Debugf(format string, args ...interface{})
	// Infof logs messages at INFO level.
	Infof(format string, args ...interface{})
	// Warnf logs messages at WARN level.
	Warnf(format string, args ...interface{})
	// Errorf logs messages at ERROR level.
	Errorf(format string, args ...interface{})
}

var defaultLogger Logger = NewLogger(zapcore.InfoLevel)

// NewLogger returns a zap backed Logger writing to stderr at the given level.
func NewLogger(level zapcore.Level) Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core, zap.AddCaller()).Sugar()
}

// ParseLogLevel maps "debug", "info", "warn" or "error" onto a zap level.
func ParseLogLevel(text string) (zapcore.Level, error) {
	return zapcore.ParseLevel(text)
}

// sniffErrorAndLog logs error only when err is not nil.
func sniffErrorAndLog(logger Logger, err error) {
	if err != nil {
		logger.Errorf("%v", err)
	}
}
