package subsampling

import (
	"context"
	"log/slog"
)

// nopHandler is a slog.Handler that discards all records. Enabled returns
// false so callers skip formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// nopLogger is the default logger of engines and decoders.
//
// Log levels used by the package:
//   - [slog.LevelDebug]: refresh decisions, tile transitions, decoder handles
//   - [slog.LevelInfo]: lifecycle (image ready, reset, clean)
//   - [slog.LevelWarn]: decode errors and resource release errors
var nopLogger = slog.New(nopHandler{})
