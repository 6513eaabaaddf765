// Package lgr - Process wide structured logger.
package lgr

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
)

// Logger is the process wide logger. It is usable before Init is called and
// writes text at info level to stdout until then.
var Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

var (
	mu   sync.Mutex
	file *lumberjack.Logger
)

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is text or json.
	Format string
	// File, when set, receives a copy of every record and is rotated by size.
	File string
	// MaxSizeMB is the rotation size of File.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// MaxAgeDays is the retention of rotated files.
	MaxAgeDays int
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init replaces Logger according to opts and installs it as the slog default.
//
// Arguments:
//   - opts: The logger options.
//
// Returns:
//   - *slog.Logger: The installed logger.
func Init(opts Options) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}

	var out io.Writer = os.Stdout
	if opts.File != "" {
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, file)
	}

	Logger = New(out, opts)
	slog.SetDefault(Logger)
	return Logger
}

// New builds a logger writing to w without touching the process logger.
func New(w io.Writer, opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.EqualFold(opts.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// With returns a child of Logger carrying args.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Close flushes and closes the rotating file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
