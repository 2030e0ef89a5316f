package log

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	STDOUT bool
	File   string // rotated log file, empty means none

	Level      zapcore.Level // info when out of debug..error
	JsonFormat bool

	// rotation of File, see lumberjack.Logger
	MaxAge     int // days
	MaxSize    int // megabytes
	MaxBackups int
	Compress   bool
}

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

func init() {
	set(zap.NewNop())
}

func set(l *zap.Logger) {
	Logger = l
	Sugar = l.Sugar()
}

// Query is the prefix of every per-query line: the correlation key, then
// the client's own ID and address when client is valid.
func Query(key, id uint16, client netip.AddrPort) string {
	if !client.IsValid() {
		return fmt.Sprintf("key=%d", key)
	}
	return fmt.Sprintf("key=%d, id=%d, %s", key, id, client)
}

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "time",
	LevelKey:       "level",
	NameKey:        "logger",
	CallerKey:      "caller",
	MessageKey:     "msg",
	StacktraceKey:  "stack",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
	EncodeName:     zapcore.FullNameEncoder,
}

func Init(config Config) error {
	sinks := sinks(config)
	if len(sinks) == 0 {
		return errors.New("write syncer needed")
	}

	enc := zapcore.NewConsoleEncoder(encoderConfig)
	if config.JsonFormat {
		enc = zapcore.NewJSONEncoder(encoderConfig)
	}

	level := config.Level
	if level < zapcore.DebugLevel || level > zapcore.ErrorLevel {
		level = zapcore.InfoLevel
	}

	set(zap.New(zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level), zap.AddCaller()))
	return nil
}

func sinks(config Config) []zapcore.WriteSyncer {
	var wss []zapcore.WriteSyncer
	if config.File != "" {
		wss = append(wss, zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}))
	}
	if config.STDOUT {
		wss = append(wss, zapcore.AddSync(os.Stdout))
	}
	return wss
}

// InitDevelop installs zap's development logger, used by tests.
func InitDevelop() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	set(l)
}

// Sync flushes buffered entries, ignoring the EINVAL some terminals report.
func Sync() {
	_ = Logger.Sync()
}
