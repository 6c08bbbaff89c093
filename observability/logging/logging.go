// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup. Output defaults to stdout; when File is set, lines are also
// appended to a rotating file.
type Options struct {
	Service string
	Env     string
	Level   string
	File    string
	// MaxSizeMB and MaxBackups bound the rotating file; zero takes 100 MB and 5 backups.
	MaxSizeMB  int
	MaxBackups int
	Output     io.Writer
}

// Setup installs a JSON slog handler as the default logger, bridges the standard library
// logger into it and returns it. The returned closer releases the log file, if any.
func Setup(opts Options) (*slog.Logger, io.Closer) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	var closer io.Closer = nopCloser{}
	if file := strings.TrimSpace(opts.File); file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			Compress:   true,
		}
		out = io.MultiWriter(out, rotating)
		closer = rotating
	}

	handler := NewHandler(out, ParseLevel(opts.Level))
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(opts.Service))}
	if env := strings.TrimSpace(opts.Env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withAttrs := handler.WithAttrs(attrs)
	base := slog.New(withAttrs)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(withAttrs, slog.LevelInfo)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}

// NewHandler returns the JSON handler used by Setup: timestamp/severity/message keys and
// sensitive attributes masked.
func NewHandler(out io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				if len(groups) == 0 {
					return slog.Attr{Key: "timestamp", Value: attr.Value}
				}
			case slog.LevelKey:
				if len(groups) == 0 {
					return slog.String("severity", strings.ToUpper(attr.Value.String()))
				}
			case slog.MessageKey:
				if len(groups) == 0 {
					return slog.Attr{Key: "message", Value: attr.Value}
				}
			}
			if attr.Value.Kind() == slog.KindString && IsSensitive(attr.Key) {
				return slog.String(attr.Key, MaskValue(attr.Value.String()))
			}
			return attr
		},
	})
}

// ParseLevel maps debug/info/warn/error to a slog level; anything else is info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
