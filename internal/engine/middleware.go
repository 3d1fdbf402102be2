package engine

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
)

// NextFunc continues the chain with the given request context. Calling it
// more than once re-runs everything downstream, handler included.
type NextFunc func(ctx context.Context, rc Values) (Response, error)

// Middleware intercepts a call after validation. It may call next zero or
// more times; whatever it returns is the result.
type Middleware interface {
	Handle(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error)

func (f MiddlewareFunc) Handle(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
	return f(ctx, rc, args, next)
}

type named struct {
	name string
	mw   Middleware
}

func (n named) Handle(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
	return n.mw.Handle(ctx, rc, args, next)
}

func (n named) MiddlewareName() string { return n.name }

// Named attaches a stable identifier to mw. The identifier shows up in
// contract fingerprints instead of the compiler-generated function name.
func Named(name string, mw Middleware) Middleware {
	return named{name: name, mw: mw}
}

// NameOf returns the identifier of mw.
func NameOf(mw Middleware) string {
	if n, ok := mw.(interface{ MiddlewareName() string }); ok {
		return n.MiddlewareName()
	}
	if f, ok := mw.(MiddlewareFunc); ok && f != nil {
		if fn := runtime.FuncForPC(reflect.ValueOf(f).Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", mw)
}

// DeriveFunc computes extra request-context fields.
type DeriveFunc func(ctx context.Context, rc Values) (Values, error)

// Derive adapts a context-derivation function into middleware. The derived
// fields are merged onto a copy of the request context before next runs. A
// failing derive ends the chain with an error response; next never runs.
func Derive(name string, fn DeriveFunc) Middleware {
	return Named(name, MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
		partial, err := safeDerive(ctx, rc, fn)
		if err != nil {
			return Response{}, err
		}
		return next(ctx, rc.With(partial))
	}))
}

func safeDerive(ctx context.Context, rc Values, fn DeriveFunc) (partial Values, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn(ctx, rc.Clone())
}
