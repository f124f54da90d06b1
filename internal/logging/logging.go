// Package logging provides the process-wide structured logger of errorpipe.
//
// File output is JSONL, one object per line, rotated by lumberjack:
//
//	{"level":"info","timestamp":"2025-06-01T12:00:00.000Z","service":"errorpipe","msg":"report_created","fingerprint":"9f2c..."}
//
// Console output is human-readable by default and can be sent to stderr so
// that commands printing results on stdout stay machine-readable. Event
// names are snake_case; the field constructors below keep report, alert and
// ingestion fields consistent across packages.
package logging

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`

	LogDir  string `mapstructure:"log_dir" yaml:"log_dir"`
	LogFile string `mapstructure:"log_file" yaml:"log_file"`

	// Rotation limits of the log file.
	MaxSizeMB  int `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`

	EnableConsole bool `mapstructure:"enable_console" yaml:"enable_console"`
	EnableFile    bool `mapstructure:"enable_file" yaml:"enable_file"`

	// ConsoleFormat is json or plain.
	ConsoleFormat string `mapstructure:"console_format" yaml:"console_format" validate:"oneof=json plain"`
	// ConsoleOutput is stdout or stderr.
	ConsoleOutput string `mapstructure:"console_output" yaml:"console_output" validate:"oneof=stdout stderr"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:         "info",
		LogDir:        "logs",
		LogFile:       "errorpipe.jsonl",
		MaxSizeMB:     10,
		MaxBackups:    5,
		MaxAgeDays:    30,
		EnableConsole: true,
		EnableFile:    true,
		ConsoleFormat: "plain",
		ConsoleOutput: "stdout",
	}
}

var (
	mu           sync.Mutex
	globalLogger *zap.Logger
	// fileWriter is kept so Close can release the file.
	fileWriter *lumberjack.Logger
)

// Setup replaces the global logger. An unknown level falls back to info.
func Setup(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var (
		cores  []zapcore.Core
		writer *lumberjack.Logger
	)
	if cfg.EnableFile {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return err
		}
		writer = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, cfg.LogFile),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoding()), zapcore.AddSync(writer), level))
	}
	if cfg.EnableConsole {
		encoder := zapcore.NewConsoleEncoder(consoleEncoding())
		if cfg.ConsoleFormat == "json" {
			encoder = zapcore.NewJSONEncoder(fileEncoding())
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(consoleSink(cfg.ConsoleOutput)), level))
	}

	hostname, _ := os.Hostname()
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).With(
		zap.String("service", "errorpipe"),
		zap.String("hostname", hostname),
		zap.Int("pid", os.Getpid()),
	)

	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		_ = fileWriter.Close()
	}
	fileWriter = writer
	globalLogger = logger
	return nil
}

func fileEncoding() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func consoleEncoding() zapcore.EncoderConfig {
	enc := fileEncoding()
	enc.TimeKey = "ts"
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	enc.EncodeDuration = zapcore.StringDurationEncoder
	return enc
}

func consoleSink(output string) zapcore.WriteSyncer {
	if output == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// L returns the global logger, setting up the default one on first use.
func L() *zap.Logger {
	mu.Lock()
	logger := globalLogger
	mu.Unlock()
	if logger == nil {
		_ = Setup(DefaultConfig())
		mu.Lock()
		logger = globalLogger
		mu.Unlock()
	}
	return logger
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.Lock()
	logger := globalLogger
	mu.Unlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Close flushes the logger and releases the rotating file, if any.
// The next call to L() sets up the default logger again.
func Close() error {
	_ = Sync()

	mu.Lock()
	defer mu.Unlock()
	var err error
	if fileWriter != nil {
		err = fileWriter.Close()
		fileWriter = nil
	}
	globalLogger = nil
	return err
}

// Count returns a field for counts/quantities.
func Count(n int) zap.Field {
	return zap.Int("count", n)
}

// Duration returns a field for elapsed time.
func Duration(d time.Duration) zap.Field {
	return zap.Duration("duration", d)
}

// ErrorCode returns a field for pipeline error codes.
func ErrorCode(code string) zap.Field {
	return zap.String("error_code", code)
}

// BatchSize returns a field for write-behind batch sizes.
func BatchSize(size int) zap.Field {
	return zap.Int("batch_size", size)
}

// Source returns a field for ingestion sources.
func Source(src string) zap.Field {
	return zap.String("source", src)
}

func ReportID(id string) zap.Field {
	return zap.String("report_id", id)
}

func Fingerprint(fp string) zap.Field {
	return zap.String("fingerprint", fp)
}

func Severity(s string) zap.Field {
	return zap.String("severity", s)
}

func Category(c string) zap.Field {
	return zap.String("category", c)
}

// Service returns a field for the service that raised an error. The key
// differs from "service", which names this process.
func Service(s string) zap.Field {
	return zap.String("service_name", s)
}

func Channel(name string) zap.Field {
	return zap.String("channel", name)
}

// RuleID returns a field for alert and escalation rule identifiers.
func RuleID(id string) zap.Field {
	return zap.String("rule_id", id)
}
