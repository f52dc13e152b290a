package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileEnv names the environment variable that redirects logs to a rotated file.
const FileEnv = "FUNDD_LOG_FILE"

// Options tunes the log sink.
type Options struct {
	// File, when set, receives logs through a size-rotated writer instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
	// Output overrides the destination. Tests use it to capture lines.
	Output io.Writer
}

// OptionsFromEnv reads FUNDD_LOG_FILE and FUNDD_LOG_LEVEL.
func OptionsFromEnv() Options {
	opts := Options{File: strings.TrimSpace(os.Getenv(FileEnv))}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("FUNDD_LOG_LEVEL"))) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn", "warning":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}
	return opts
}

// Setup installs a JSON slog logger as the process default and routes the
// standard library logger through it. Every line carries service and env.
func Setup(service, env string, opts Options) *slog.Logger {
	handler := slog.NewJSONHandler(writer(opts), &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: renameKeys,
	})
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withAttrs := handler.WithAttrs(attrs)
	base := slog.New(withAttrs)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(withAttrs, slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return base
}

// renameKeys maps slog's built-in keys onto the names our log pipeline indexes.
func renameKeys(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}

func writer(opts Options) io.Writer {
	if opts.Output != nil {
		return opts.Output
	}
	if strings.TrimSpace(opts.File) == "" {
		return os.Stdout
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	backups := opts.MaxBackups
	if backups <= 0 {
		backups = 7
	}
	age := opts.MaxAgeDays
	if age <= 0 {
		age = 30
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: backups,
		MaxAge:     age,
		Compress:   true,
	}
}
