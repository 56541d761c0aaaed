package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 键值对结构化日志接口
type Logger interface {
	Trace(msg string, kv ...any)
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志输出配置
type Options struct {
	Level    string   // trace/debug/info/warn/error
	Writers  []string // console/file
	FilePath string
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New 根据配置创建 zerolog 实现
func New(opts Options) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
		case "file":
			path := opts.FilePath
			if path == "" {
				path = "cdpdriver.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   path,
				MaxSize:    64, // MB
				MaxBackups: 3,
				MaxAge:     7, // days
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	return &zeroLogger{zl: zl}
}

// NewNop 创建丢弃所有输出的空实现
func NewNop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func (l *zeroLogger) Trace(msg string, kv ...any) { emit(l.zl.Trace(), msg, kv) }
func (l *zeroLogger) Debug(msg string, kv ...any) { emit(l.zl.Debug(), msg, kv) }
func (l *zeroLogger) Info(msg string, kv ...any)  { emit(l.zl.Info(), msg, kv) }
func (l *zeroLogger) Warn(msg string, kv ...any)  { emit(l.zl.Warn(), msg, kv) }

func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	emit(l.zl.Error().Err(err), msg, kv)
}

func (l *zeroLogger) With(kv ...any) Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = ctx.Interface(key(kv[i]), kv[i+1])
	}
	return &zeroLogger{zl: ctx.Logger()}
}

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Interface(key(kv[i]), kv[i+1])
	}
	ev.Msg(msg)
}

func key(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
