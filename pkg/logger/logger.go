package logger

import (
	"fmt"
	"os"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger 将 zap 适配为 kratos log.Logger，
// 业务层继续使用 log.Helper，底层统一走 zap。
type ZapLogger struct {
	zl *zap.Logger
}

// New 创建日志器。level 取 debug/info/warn/error，默认 info。
func New(level, serviceName string) (*ZapLogger, func(), error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(os.Stdout),
		zapLevel,
	)

	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).
		With(zap.String("service", serviceName))

	cleanup := func() {
		_ = zl.Sync()
	}

	return &ZapLogger{zl: zl}, cleanup, nil
}

// Log 实现 kratos log.Logger 接口
func (l *ZapLogger) Log(level kratoslog.Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 || len(keyvals)%2 != 0 {
		l.zl.Warn(fmt.Sprint("keyvalues must appear in pairs: ", keyvals))
		return nil
	}

	fields := make([]zap.Field, 0, len(keyvals)/2)
	var msg string
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if key == kratoslog.DefaultMessageKey {
			msg = fmt.Sprint(keyvals[i+1])
			continue
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}

	switch level {
	case kratoslog.LevelDebug:
		l.zl.Debug(msg, fields...)
	case kratoslog.LevelInfo:
		l.zl.Info(msg, fields...)
	case kratoslog.LevelWarn:
		l.zl.Warn(msg, fields...)
	case kratoslog.LevelError:
		l.zl.Error(msg, fields...)
	case kratoslog.LevelFatal:
		l.zl.Fatal(msg, fields...)
	default:
		l.zl.Info(msg, fields...)
	}
	return nil
}
