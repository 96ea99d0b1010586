package stdio

import (
	"io"
	"log/slog"
	"os"
)

var (
	defaultIn  io.Reader = os.Stdin
	defaultOut io.Writer = os.Stdout
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		h.in = r
		h.out = w
	}
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}
