package logger

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	JSON      bool `default:"false" yaml:"json" envconfig:"JSON"`           // trueならJSONフォーマット
	NoColor   bool `default:"false" yaml:"no_color" envconfig:"NO_COLOR"`   // trueなら色付けしない
	Verbose   int  `default:"0" yaml:"verbose" envconfig:"VERBOSE"`         // 0はInfo相当 1以上でDebug
	Quiet     bool `default:"false" yaml:"quiet" envconfig:"QUIET"`         // trueでWarn以上に引き上げる
	AddCaller bool `default:"false" yaml:"add_caller" envconfig:"ADD_CALLER"`

	// Output が nil の場合は stderr
	Output io.Writer `yaml:"-" ignored:"true"`
}

// Level returns the minimum enabled level for cfg.
func (c Config) Level() zapcore.Level {
	switch {
	case c.Quiet:
		return zapcore.WarnLevel
	case c.Verbose > 0:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func (c Config) encoder() zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339)) },
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	if c.JSON {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(encCfg)
	}
	if c.NoColor || runtime.GOOS == "windows" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

// NewLogger builds the process logger and a cleanup func that flushes it.
func NewLogger(cfg Config) (*zap.Logger, func(context.Context) error, error) {
	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}
	// テスト結果は stdout に出すのでログは別の出力先にする
	ws := zapcore.AddSync(out)

	level := cfg.Level()
	opts := []zap.Option{
		zap.ErrorOutput(ws),
		zap.AddStacktrace(zapcore.DPanicLevel),
	}
	if cfg.AddCaller || level == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}

	lg := zap.New(zapcore.NewCore(cfg.encoder(), ws, level), opts...).Named("astfctl")

	cleanup := func(_ context.Context) error {
		err := lg.Sync()
		if err == nil || isUnsyncable(err) {
			return nil
		}
		return err
	}
	return lg, cleanup, nil
}

// stderr/stdout への Sync は EINVAL 等を返す環境が多い
func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EBADF)
}
