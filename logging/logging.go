// Package logging builds the process logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mnister/config"
)

// New returns a JSON logger with RFC3339 timestamps and caller info. Errors go to
// stderr and everything else to stdout, unless cfg.File is set, in which case all
// output goes to a rotated file.
func New(cfg config.Log) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var core zapcore.Core
	if cfg.File != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
		core = zapcore.NewCore(encoder, w, level)
	} else {
		isError := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return level.Enabled(lvl) && lvl >= zapcore.ErrorLevel
		})
		isInfo := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return level.Enabled(lvl) && lvl < zapcore.ErrorLevel
		})
		core = zapcore.NewTee(
			zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), isError),
			zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), isInfo),
		)
	}
	return zap.New(core, zap.AddCaller()), nil
}
