package agent

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogHandler returns the handler agents log with. Every line is a JSON
// object with desc and level keys, and the record attributes nested under
// details, which is the shape the manager relays.
func NewLogHandler(w io.Writer, level slog.Leveler) slog.Handler {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.MessageKey:
				a.Key = "desc"
			case slog.LevelKey:
				a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
			}
			return a
		},
	})
	return h.WithGroup("details")
}
