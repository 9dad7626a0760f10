package log

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Log = (*Logger)(nil)

var (
	innerLogger          *Logger
	loggerInitializeOnce sync.Once
)

// Logger is the zap-backed implementation of Log.
type Logger struct {
	zapLogger *zap.Logger
	zapLevel  zapcore.Level
}

func New(level Level) *Logger {
	zapLevel := toZapLevel(level)
	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}

	zapLogger, err := config.Build()
	if err != nil {
		panic(err)
	}

	logger := &Logger{
		zapLogger: zapLogger,
		zapLevel:  zapLevel,
	}

	loggerInitializeOnce.Do(func() { innerLogger = logger })

	return logger
}

// Provide returns the first logger constructed with New, or a fresh
// info-level logger when none exists yet.
func Provide() *Logger {
	if innerLogger == nil {
		return New(LevelInfo)
	}
	return innerLogger
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.zapLogger.Debug(msg, toZapFields(fields...)...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.zapLogger.Info(msg, toZapFields(fields...)...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.zapLogger.Warn(msg, toZapFields(fields...)...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.zapLogger.Error(msg, toZapFields(fields...)...)
}

func (l *Logger) Fatal(msg string, fields ...Field) {
	l.zapLogger.Fatal(msg, toZapFields(fields...)...)
}

func (l *Logger) With(fields ...Field) Log {
	return &Logger{
		zapLogger: l.zapLogger.With(toZapFields(fields...)...),
		zapLevel:  l.zapLevel,
	}
}

func (l *Logger) SetLevel(level Level) {
	l.zapLevel = toZapLevel(level)
}

func (l *Logger) GetLevel() Level {
	return fromZapLevel(l.zapLevel)
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zap.DebugLevel
	case LevelInfo:
		return zap.InfoLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	case LevelFatal:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func fromZapLevel(level zapcore.Level) Level {
	switch level {
	case zap.DebugLevel:
		return LevelDebug
	case zap.InfoLevel:
		return LevelInfo
	case zap.WarnLevel:
		return LevelWarn
	case zap.ErrorLevel:
		return LevelError
	case zap.FatalLevel:
		return LevelFatal
	default:
		return LevelInfo
	}
}

func toZapFields(fields ...Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case BoolType:
			zapFields[i] = zap.Bool(f.Key, f.Value.(bool))
		case DurationType:
			zapFields[i] = zap.Duration(f.Key, f.Value.(time.Duration))
		case IntType:
			zapFields[i] = zap.Int(f.Key, f.Value.(int))
		case Int64Type:
			zapFields[i] = zap.Int64(f.Key, f.Value.(int64))
		case StringType:
			zapFields[i] = zap.String(f.Key, f.Value.(string))
		case TimeType:
			zapFields[i] = zap.Time(f.Key, f.Value.(time.Time))
		case Uint32Type:
			zapFields[i] = zap.Uint32(f.Key, f.Value.(uint32))
		case Uint64Type:
			zapFields[i] = zap.Uint64(f.Key, f.Value.(uint64))
		case ErrorType:
			zapFields[i] = zap.NamedError(f.Key, f.Value.(error))
		default:
			zapFields[i] = zap.Any(f.Key, f.Value)
		}
	}
	return zapFields
}
