package engine

import "context"

// DirectFunc is a plain handler.
type DirectFunc func(ctx context.Context, rc Values, args map[string]any) (Response, error)

// StreamFunc is an incremental handler. It may call yield any number of
// times before returning the terminal response; yield reports false once
// ctx is done so the body can stop early.
type StreamFunc func(ctx context.Context, rc Values, args map[string]any, yield func(any) bool) (Response, error)

// Handler is either a DirectFunc or a StreamFunc.
type Handler struct {
	direct DirectFunc
	stream StreamFunc
}

// Direct wraps a plain handler.
func Direct(fn DirectFunc) Handler { return Handler{direct: fn} }

// Streaming wraps an incremental handler.
func Streaming(fn StreamFunc) Handler { return Handler{stream: fn} }

// IsStreaming reports whether h is an incremental handler.
func (h Handler) IsStreaming() bool { return h.stream != nil }

// IsZero reports whether h has no function.
func (h Handler) IsZero() bool { return h.direct == nil && h.stream == nil }

func (h Handler) invoke(ctx context.Context, rc Values, args map[string]any, sink ProgressSink) (Response, error) {
	switch {
	case h.stream != nil:
		yield := func(v any) bool {
			if ev, ok := IsProgress(v); ok {
				sink.deliver(ev)
			}
			return ctx.Err() == nil
		}
		return h.stream(ctx, rc, args, yield)
	case h.direct != nil:
		return h.direct(ctx, rc, args)
	default:
		return ErrorResponse("no handler configured"), nil
	}
}
