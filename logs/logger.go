// Package logs is the gate's process log: colored console output plus a
// plain-text copy in logs.log_directory, rotated by lumberjack according to
// the logs section of gate.yaml.
package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"trading_gate/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// rotatingHook copies every entry into the rotated log file using a plain
// formatter, so the console can stay colored.
type rotatingHook struct {
	formatter logrus.Formatter
	file      io.WriteCloser
}

func (h *rotatingHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *rotatingHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}

var (
	log  = newFallbackLogger()
	hook *rotatingHook
)

// newFallbackLogger is used until Init runs (CLI subcommands, tests).
func newFallbackLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}

// levelFor maps logs.log_level onto logrus. An unknown value falls back to
// info and is reported once the logger is up.
func levelFor(cfg *config.LogConfig) (logrus.Level, error) {
	if cfg.LogLevel == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("logs.log_level %q not recognized, using info", cfg.LogLevel)
	}
	return level, nil
}

// rotation builds the lumberjack writer from logs.max_size_mb,
// logs.max_backups, logs.max_age_days and logs.compress.
func rotation(cfg *config.LogConfig, path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// Init switches the process to the configured logger. The log file is
// fileName inside logs.log_directory.
func Init(cfg *config.LogConfig, fileName string) error {
	path := filepath.Join(cfg.LogDirectory, fileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	level, levelErr := levelFor(cfg)
	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:            true,
		FullTimestamp:          true,
		TimestampFormat:        timestampFormat,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})

	// Anything written through the global logrus instance is dropped so
	// it cannot bypass rotation.
	logrus.SetOutput(io.Discard)
	logrus.StandardLogger().Hooks = make(logrus.LevelHooks)

	hook = &rotatingHook{
		formatter: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true, TimestampFormat: timestampFormat},
		file:      rotation(cfg, path),
	}
	l.AddHook(hook)
	log = l

	if levelErr != nil {
		Warnf("[Logs] %v", levelErr)
	}
	Infof("[Logs] Writing %s at level %s (rotate at %d MB, keep %d files for %d days)",
		path, level, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	return nil
}

// Close flushes and closes the rotated file.
func Close() {
	Info("[Logs] Logging system closed.")
	if hook != nil {
		_ = hook.file.Close()
		hook = nil
	}
}

// Logger exposes the underlying logger for libraries that take a
// printf-style logger.
func Logger() *logrus.Logger { return log }

// SetOutput redirects the current logger; used by tests to capture output.
func SetOutput(w io.Writer) { log.SetOutput(w) }

// SetLevel changes the level of the current logger.
func SetLevel(level logrus.Level) { log.SetLevel(level) }

// WithFields starts a structured entry.
func WithFields(fields logrus.Fields) *logrus.Entry { return log.WithFields(fields) }

func Debug(args ...interface{})                 { log.Debug(args...) }
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Info(args ...interface{})                  { log.Info(args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warn(args ...interface{})                  { log.Warn(args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Error(args ...interface{})                 { log.Error(args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Fatal(args ...interface{})                 { log.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }
