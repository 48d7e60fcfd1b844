// Package logging configures the server's colour-coded structured
// logger: level-based ANSI colouring the way the original color_logger
// module did, built on slog and gommon/color instead of hand-rolled
// escape codes.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/labstack/gommon/color"
)

// colorHandler wraps a slog.Handler and colourises the rendered line by
// level, mirroring the DEBUG→blue, INFO→green, WARNING→yellow,
// ERROR→red table from the original logger.
type colorHandler struct {
	next slog.Handler
	out  *os.File
}

// New builds the process-wide colour logger. Each record goes to stdout as
// a coloured "[timestamp] - LEVEL - message" line followed by one indented,
// uncoloured "key=value" line per record attribute.
func New(level slog.Level) *slog.Logger {
	h := &colorHandler{
		next: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
		out:  os.Stdout,
	}
	return slog.New(h)
}

func (h *colorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{next: h.next.WithAttrs(attrs), out: h.out}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return &colorHandler{next: h.next.WithGroup(name), out: h.out}
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	ts := r.Time.Format("2006-01-02 15:04:05")
	line := "[" + ts + "] - " + levelName(r.Level) + " - " + r.Message
	colored := colorFor(r.Level)(line)
	_, err := h.out.WriteString(colored + "\n")
	if err != nil {
		return err
	}
	r.Attrs(func(a slog.Attr) bool {
		_, err = h.out.WriteString("    " + a.Key + "=" + a.Value.String() + "\n")
		return err == nil
	})
	return err
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func colorFor(l slog.Level) func(any, ...string) string {
	switch {
	case l < slog.LevelInfo:
		return color.Blue
	case l < slog.LevelWarn:
		return color.Green
	case l < slog.LevelError:
		return color.Yellow
	default:
		return color.Red
	}
}

// ConnectionFields builds the standard key/value pairs attached to every
// connection-lifecycle log line.
func ConnectionFields(fd int, peer string) []any {
	return []any{"fd", fd, "peer", peer, "at", time.Now().Format(time.RFC3339)}
}
