// Package logger provides component-scoped structured logging on top of
// log/slog with a clog console handler.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/clog"
)

var (
	mu      sync.RWMutex
	current *slog.Logger
	output  io.Writer = os.Stderr
)

func init() {
	current = New("info", output)
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// New creates a console logger writing to w at the named level.
func New(name string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	handler := clog.New(
		clog.WithWriter(w),
		clog.WithLevel(ParseLevel(name)),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	)
	return slog.New(handler)
}

// Default returns the logger used by the component helpers.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetDefault replaces the logger used by the component helpers.
func SetDefault(l *slog.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	current = l
	mu.Unlock()
}

// Configure rebuilds the default logger for the given level and writer.
func Configure(name string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	l := New(name, w)
	mu.Lock()
	output = w
	current = l
	mu.Unlock()
}

// SetLevel changes the minimum level of the default logger.
func SetLevel(name string) {
	mu.RLock()
	w := output
	mu.RUnlock()
	Configure(name, w)
}

func attrs(component string, fields map[string]interface{}) []any {
	out := make([]any, 0, 2+len(fields)*2)
	if component != "" {
		out = append(out, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	Default().Debug(msg, attrs(component, fields)...)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	Default().Info(msg, attrs(component, fields)...)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	Default().Warn(msg, attrs(component, fields)...)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	Default().Error(msg, attrs(component, fields)...)
}

func DebugC(component, msg string) { DebugCF(component, msg, nil) }
func InfoC(component, msg string)  { InfoCF(component, msg, nil) }
func WarnC(component, msg string)  { WarnCF(component, msg, nil) }
func ErrorC(component, msg string) { ErrorCF(component, msg, nil) }
