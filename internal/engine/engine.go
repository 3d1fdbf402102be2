// Package engine runs one validated call through its middleware chain and
// handler, and turns every outcome into exactly one Response.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// CallInfo describes the action being executed. Middleware reads it with
// CallInfoFromContext.
type CallInfo struct {
	Tool        string
	Action      string
	ReadOnly    bool
	Destructive bool
	Idempotent  bool
}

type callInfoKey struct{}

// WithCallInfo returns ctx carrying info.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFromContext returns the CallInfo of the running call, if any.
func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}

// Invocation is a fully resolved call: the action is known and its
// arguments already passed validation.
type Invocation struct {
	Info       CallInfo
	Middleware []Middleware
	Handler    Handler
	Progress   ProgressSink
}

// Run executes inv. Middleware runs in slice order before the handler; the
// handler body never starts unless every middleware called next. Errors and
// panics from any stage become error responses prefixed with
// "[tool/action]".
func Run(ctx context.Context, inv Invocation, rc Values, args map[string]any) Response {
	ctx = WithCallInfo(ctx, inv.Info)

	var dispatch func(i int) NextFunc
	dispatch = func(i int) NextFunc {
		return func(ctx context.Context, rc Values) (Response, error) {
			if i == len(inv.Middleware) {
				return inv.Handler.invoke(ctx, rc, args, inv.Progress)
			}
			return inv.Middleware[i].Handle(ctx, rc, args, dispatch(i+1))
		}
	}

	resp, err := guarded(func() (Response, error) {
		return dispatch(0)(ctx, rc.Clone())
	})
	if err != nil {
		return FormatError(inv.Info, err)
	}
	return resp
}

// FormatError converts err into the error response for the given call.
func FormatError(info CallInfo, err error) Response {
	prefix := fmt.Sprintf("[%s/%s]", info.Tool, info.Action)
	var coded CodedError
	if asCoded(err, &coded) {
		opts := ToolErrorOptions{Message: prefix + " " + messageOf(coded)}
		var rec *RecoverableError
		if errors.As(err, &rec) {
			opts.Suggestion = rec.Suggestion
			opts.AvailableActions = rec.AvailableActions
		}
		return ToolError(coded.ErrorCode(), opts)
	}
	return ErrorResponse(prefix + " " + err.Error())
}

func messageOf(err CodedError) string {
	if rec, ok := err.(*RecoverableError); ok {
		return rec.Message
	}
	return err.Error()
}

func asCoded(err error, target *CodedError) bool {
	return errors.As(err, target)
}

func guarded(fn func() (Response, error)) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = Response{}, panicError(r)
		}
	}()
	return fn()
}

// panicError turns any recovered value into an error that keeps its text.
func panicError(r any) error {
	switch v := r.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	case nil:
		return errors.New("nil")
	default:
		return errors.New(fmt.Sprint(v))
	}
}

// Guarded runs fn and converts a panic into an error. Components outside
// the call pipeline use it to isolate user callbacks.
func Guarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn()
}
