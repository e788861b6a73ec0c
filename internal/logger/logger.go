package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It is a no-op until Init is called.
var Log = zap.NewNop()

// Config selects level and encoding.
type Config struct {
	Level string
	JSON  bool
}

// Init builds the global logger. JSON output is used for production stages,
// console output otherwise.
func Init(cfg Config) error {
	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zcfg.EncoderConfig.MessageKey = "message"
		zcfg.InitialFields = map[string]interface{}{
			"service": "croissant",
		}
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	built, err := zcfg.Build()
	if err != nil {
		return err
	}
	Log = built
	return nil
}

// Sync flushes buffered entries; errors from syncing stdout are ignored.
func Sync() {
	_ = Log.Sync()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
