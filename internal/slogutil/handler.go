// Package slogutil provides the slog handler and utilities for tpindex
// logging.
package slogutil

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Handler writes records as single text lines:
//
//	2026-01-02T15:04:05Z INFO analyzing textproto path=m.textproto message=pkg.M
//
// Attributes added with With are formatted once, up front, and reused for
// every record; open groups become a dot-joined key prefix.
type Handler struct {
	mu     *sync.Mutex
	out    io.Writer
	min    slog.Leveler
	prefix string // attrs from WithAttrs, already rendered
	group  string // trailing-dot group path, e.g. "unit."
}

// NewHandler creates a new log handler.
func NewHandler(w io.Writer, opts *slog.HandlerOptions) *Handler {
	var min slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		min = opts.Level
	}
	return &Handler{
		mu:  &sync.Mutex{},
		out: w,
		min: min,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min.Level()
}

// Handle formats and writes the log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 128)

	if !r.Time.IsZero() {
		buf = r.Time.UTC().AppendFormat(buf, time.RFC3339)
		buf = append(buf, ' ')
	}
	buf = append(buf, levelString(r.Level)...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	buf = append(buf, h.prefix...)
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.group, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

// WithAttrs returns a new handler with the given attributes rendered into
// its prefix.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	buf := []byte(h.prefix)
	for _, a := range attrs {
		buf = appendAttr(buf, h.group, a)
	}
	h2.prefix = string(buf)
	return &h2
}

// WithGroup returns a new handler with the given group name opened.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.group = h.group + name + "."
	return &h2
}

// appendAttr renders one attribute as " key=value", qualifying the key
// with the open group path. Group-valued attrs extend the path instead.
func appendAttr(buf []byte, group string, a slog.Attr) []byte {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := group
		if a.Key != "" {
			sub = group + a.Key + "."
		}
		for _, ga := range v.Group() {
			buf = appendAttr(buf, sub, ga)
		}
		return buf
	}
	if a.Key == "" {
		return buf
	}
	buf = append(buf, ' ')
	buf = append(buf, group...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, v)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', -1, 64)
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().UTC().AppendFormat(buf, time.RFC3339)
	default:
		return appendString(buf, v.String())
	}
}

// appendString quotes values that would break the key=value layout.
func appendString(buf []byte, s string) []byte {
	if strings.ContainsAny(s, " \t\n\"=") || s == "" {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func levelString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "DEBUG"
	case level < slog.LevelWarn:
		return "INFO"
	case level < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}
