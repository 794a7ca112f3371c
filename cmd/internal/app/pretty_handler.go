package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// prettyHandler renders records as one colored key=value line for terminals.
// Group names prefix keys with dots.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.paint(ansiDim, ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(h.paint(ansiBright, r.Message))

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		if f.File != "" {
			b.WriteByte(' ')
			b.WriteString(h.paint(ansiDim, fmt.Sprintf("(%s:%d)", filepath.Base(f.File), f.Line)))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), h.qualify(attrs)...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

// qualify wraps attrs added after WithGroup so they keep the group prefix
// in force when they were attached.
func (h *prettyHandler) qualify(attrs []slog.Attr) []slog.Attr {
	if len(h.groups) == 0 {
		return attrs
	}
	prefix := strings.Join(h.groups, ".")
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, slog.Attr{Key: prefix + "." + a.Key, Value: a.Value})
	}
	return out
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}
	if parent != "" {
		key = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, key)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(h.paint(ansiDim, key+"="))
	b.WriteString(h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "err":
		return h.paint(ansiRed, quoteIfNeeded(valueToString(v)))
	case "from", "to":
		return h.paint(connStateColor(v.String()), v.String())
	case "method":
		return h.paint(ansiMagenta, strings.ToUpper(v.String()))
	case "path", "destination":
		return h.paint(ansiCyan, v.String())
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.paint(httpStatusColor(int(n)), strconv.FormatInt(n, 10))
		}
		return h.paint(messageStatusColor(v.String()), v.String())
	case "room_id":
		return h.paint(ansiBright, valueToString(v))
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return h.paint(durationColor(n), strconv.FormatInt(n, 10)+"ms")
		}
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) paint(color, s string) string {
	if !h.color || color == "" {
		return s
	}
	return color + s + ansiReset
}

func levelTag(level slog.Level, color bool) string {
	tag, c := "INF", ansiBlue
	switch {
	case level >= slog.LevelError:
		tag, c = "ERR", ansiRed
	case level >= slog.LevelWarn:
		tag, c = "WRN", ansiYellow
	case level < slog.LevelInfo:
		tag, c = "DBG", ansiMagenta
	}
	if !color {
		return tag
	}
	return c + tag + ansiReset
}

func connStateColor(state string) string {
	switch state {
	case "connected":
		return ansiGreen
	case "connecting", "reconnecting":
		return ansiYellow
	case "disconnected":
		return ansiRed
	default:
		return ""
	}
}

func messageStatusColor(status string) string {
	switch status {
	case "confirmed":
		return ansiGreen
	case "pending":
		return ansiYellow
	case "failed":
		return ansiRed
	default:
		return ""
	}
}

func httpStatusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ""
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
