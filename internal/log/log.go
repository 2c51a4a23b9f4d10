package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds the attributes stored by ContextAttrs to every
// record logged with a context.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	// copy, so sibling contexts never share the backing array
	a = append(a[:len(a):len(a)], attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// ChunkAttrs stores the chunk key in ctx.
func ChunkAttrs(ctx context.Context, docID, chunkID string) context.Context {
	return ContextAttrs(ctx,
		slog.String("doc_id", docID),
		slog.String("chunk_id", chunkID),
	)
}

func New(verbose bool) *slog.Logger {
	return NewWriter(os.Stderr, verbose)
}

// NewWriter returns JSON logger writing to w.
func NewWriter(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}
