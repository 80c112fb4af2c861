// Package logutil provides the structured, leveled logger used across the
// replica. Its shape mirrors the teacher's own log package: a Logger
// interface backed by log/slog, pluggable handlers, and a colorized
// terminal handler used when stderr is a TTY.
package logutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors slog.Level but keeps the Trace/Crit rungs the rest of the
// corpus expects.
type Level int

const (
	LevelTrace Level = iota - 1
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelTrace:
		return slog.Level(-8)
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.Level(12)
	}
}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT"
	default:
		return "????"
	}
}

var levelColor = map[Level]*color.Color{
	LevelTrace: color.New(color.FgHiBlack),
	LevelDebug: color.New(color.FgBlue),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed),
	LevelCrit:  color.New(color.FgHiRed, color.Bold),
}

// Logger is the interface every component depends on, never the concrete
// implementation, so tests can inject a recording logger.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	With(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

// New builds a Logger with the given static key/value context attached to
// every record it emits, e.g. New("component", "processor", "replicaId", 2).
func New(ctx ...any) Logger {
	return &logger{inner: root().inner.With(ctx...)}
}

// NewWithHandler builds a standalone Logger backed directly by h, bypassing
// the process-wide Root(). Process bootstrap code uses this to build the
// logger it then installs with SetDefault.
func NewWithHandler(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) With(ctx ...any) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

func (l *logger) log(level Level, msg string, ctx []any) {
	l.inner.Log(context.Background(), level.slogLevel(), msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.log(LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.log(LevelCrit, msg, ctx) }

var (
	rootMu  sync.Mutex
	rootLog *logger = &logger{inner: slog.New(NewTerminalHandler(os.Stderr, LevelInfo))}
)

// Root returns the process-wide default logger.
func Root() Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	return rootLog
}

func root() *logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	return rootLog
}

// SetDefault installs l as the logger returned by Root and used by the
// package-level Trace/Debug/.../Crit helpers below. Only Loggers built by
// this package can be installed.
func SetDefault(l Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	if impl, ok := l.(*logger); ok {
		rootLog = impl
		return
	}
	// A foreign Logger implementation (e.g. in tests) is not installed: l is
	// ignored and Root falls back to a fresh info-level terminal handler on
	// stderr.
	rootLog = &logger{inner: slog.New(NewTerminalHandler(os.Stderr, LevelInfo))}
}

func Trace(msg string, ctx ...any) { root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root().Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root().Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root().Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root().Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { root().Crit(msg, ctx...) }

// NewTerminalHandler returns a slog.Handler that writes
// "LEVEL [timestamp] msg k=v k=v" lines, colorizing the level tag when w is
// a real terminal.
func NewTerminalHandler(w io.Writer, minLevel Level) slog.Handler {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	out := w
	if useColor {
		out = colorable.NewColorable(w.(*os.File))
	}
	return &terminalHandler{out: out, minLevel: minLevel, color: useColor}
}

type terminalHandler struct {
	out      io.Writer
	minLevel Level
	color    bool
	attrs    []slog.Attr
	mu       sync.Mutex
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel.slogLevel()
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	lvl := fromSlogLevel(r.Level)
	tag := lvl.String()
	if h.color {
		tag = levelColor[lvl].Sprint(tag)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s [%s] %s", tag, r.Time.Format("01-02|15:04:05.000"), r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &terminalHandler{out: h.out, minLevel: h.minLevel, color: h.color}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler { return h }

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l <= slog.Level(-8):
		return LevelTrace
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	case l < slog.Level(12):
		return LevelError
	default:
		return LevelCrit
	}
}

// JSONHandler returns a handler that writes one JSON object per record,
// used for machine-consumed log shipping.
func JSONHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: LevelTrace.slogLevel()})
}

// NewFileHandler returns a handler backed by a size/age rotated log file,
// mirroring the teacher's async file writer but built on lumberjack, which
// the teacher's own dependency graph already carries.
func NewFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int, minLevel Level) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return NewTerminalHandler(w, minLevel)
}

// ParseLevel accepts the same names CheckHeartBeat-style config files use.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "crit", "critical":
		return LevelCrit, nil
	default:
		return LevelInfo, fmt.Errorf("logutil: unknown level %q", s)
	}
}

// Elapsed is a small helper used by components that log operation duration,
// e.g. logger.Info("state transfer done", "elapsed", logutil.Elapsed(start)).
func Elapsed(since time.Time) time.Duration { return time.Since(since) }
