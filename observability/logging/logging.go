package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a rotating log file sink. An empty Path disables it.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (c FileConfig) rotator() *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   strings.TrimSpace(c.Path),
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// Setup installs a JSON logger on stdout as the slog default, tagged with the
// service and environment.
func Setup(service, env string) *slog.Logger {
	return install(os.Stdout, service, env)
}

// SetupWithFile is Setup with an additional rotating file sink. The closer
// releases the file.
func SetupWithFile(service, env string, file FileConfig) (*slog.Logger, io.Closer) {
	if strings.TrimSpace(file.Path) == "" {
		return Setup(service, env), io.NopCloser(nil)
	}
	sink := file.rotator()
	return install(io.MultiWriter(os.Stdout, sink), service, env), sink
}

// NewHandler returns the daemon's JSON handler writing to w.
func NewHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{ReplaceAttr: rewriteAttr})
}

// rewriteAttr renames the built-in keys to the field names log shippers
// expect and masks credentials.
func rewriteAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.MessageKey:
		attr.Key = "message"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	default:
		return redact(attr)
	}
	return attr
}

func install(w io.Writer, service, env string) *slog.Logger {
	fields := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		fields = append(fields, slog.String("env", env))
	}
	handler := NewHandler(w).WithAttrs(fields)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// packages still on the log package end up in the same stream
	log.SetOutput(slog.NewLogLogger(handler, slog.LevelInfo).Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return logger
}
