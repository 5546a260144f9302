package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/docsearch/internal/shared"
)

// NewLogger writes JSON records to <home>/logs/system.jsonl, and to stdout
// unless quiet. Records carry trace_id and, inside background work,
// operation_id taken from the logging context.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	return slog.New(NewHandler(w, ParseLevel(level))).With("component", "runtime"), file, nil
}

const componentKey = "component"

// NewHandler returns the redacting JSON handler used by NewLogger.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	json := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return &contextHandler{next: json}
}

// contextHandler fills trace_id and operation_id from the record's context
// when the call site did not set them. A component bound through WithAttrs
// replaces the one bound before it, so each record carries a single key.
type contextHandler struct {
	next slog.Handler
	// keys already bound through WithAttrs.
	bound     map[string]bool
	component *slog.Attr
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	seen := map[string]bool{}
	r.Attrs(func(a slog.Attr) bool {
		seen[a.Key] = true
		return true
	})
	if h.component != nil && !seen[componentKey] {
		r.AddAttrs(*h.component)
	}
	if !seen["trace_id"] && !h.bound["trace_id"] {
		r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	}
	if id := shared.OperationID(ctx); id != "" && !seen["operation_id"] && !h.bound["operation_id"] {
		r.AddAttrs(slog.String("operation_id", id))
	}
	return h.next.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = true
	}
	component := h.component
	rest := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if a.Key == componentKey {
			a := a
			component = &a
			continue
		}
		bound[a.Key] = true
		rest = append(rest, a)
	}
	next := h.next
	if len(rest) > 0 {
		next = next.WithAttrs(rest)
	}
	return &contextHandler{next: next, bound: bound, component: component}
}

// WithGroup pins the current component at the top level before opening the
// group.
func (h *contextHandler) WithGroup(name string) slog.Handler {
	next := h.next
	if h.component != nil {
		next = next.WithAttrs([]slog.Attr{*h.component})
	}
	return &contextHandler{next: next.WithGroup(name), bound: h.bound}
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level; unknown names are Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
