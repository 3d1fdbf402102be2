package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func info() CallInfo { return CallInfo{Tool: "projects", Action: "create"} }

func TestRun_DirectHandler(t *testing.T) {
	resp := Run(context.Background(), Invocation{
		Info: info(),
		Handler: Direct(func(ctx context.Context, rc Values, args map[string]any) (Response, error) {
			return Success("Created " + args["name"].(string)), nil
		}),
	}, nil, map[string]any{"name": "x"})
	if resp.IsError || resp.Text() != "Created x" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRun_MiddlewareOrderAndShortCircuit(t *testing.T) {
	var order []string
	audit := MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
		order = append(order, "audit")
		resp, err := next(ctx, rc)
		order = append(order, "audit-after")
		return resp, err
	})
	requireAdmin := MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
		order = append(order, "admin-check")
		if rc.String("role") != "admin" {
			return ErrorResponse("forbidden"), nil
		}
		return next(ctx, rc)
	})
	handler := Direct(func(ctx context.Context, rc Values, args map[string]any) (Response, error) {
		order = append(order, "H")
		return Success("ok"), nil
	})
	inv := Invocation{Info: info(), Middleware: []Middleware{audit, requireAdmin}, Handler: handler}

	resp := Run(context.Background(), inv, Values{"role": "viewer"}, nil)
	if !resp.IsError {
		t.Fatal("expected forbidden")
	}
	if got := strings.Join(order, ","); got != "audit,admin-check,audit-after" {
		t.Fatalf("unexpected order for non-admin: %s", got)
	}

	order = nil
	resp = Run(context.Background(), inv, Values{"role": "admin"}, nil)
	if resp.IsError {
		t.Fatalf("expected success, got %s", resp.Text())
	}
	if got := strings.Join(order, ","); got != "audit,admin-check,H,audit-after" {
		t.Fatalf("unexpected order for admin: %s", got)
	}
}

func TestRun_ShortCircuitBeforeAuditPostNext(t *testing.T) {
	var auditAfter bool
	requireAdmin := MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
		return ErrorResponse("forbidden"), nil
	})
	audit := MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
		resp, err := next(ctx, rc)
		auditAfter = true
		return resp, err
	})
	ran := false
	Run(context.Background(), Invocation{
		Info:       info(),
		Middleware: []Middleware{requireAdmin, audit},
		Handler: Direct(func(context.Context, Values, map[string]any) (Response, error) {
			ran = true
			return Success("ok"), nil
		}),
	}, nil, nil)
	if ran || auditAfter {
		t.Fatalf("handler ran=%v auditAfter=%v, want both false", ran, auditAfter)
	}
}

func TestRun_DoubleNextRunsHandlerTwice(t *testing.T) {
	calls := 0
	twice := MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
		first, _ := next(ctx, rc)
		_, _ = next(ctx, rc)
		return first, nil
	})
	resp := Run(context.Background(), Invocation{
		Info:       info(),
		Middleware: []Middleware{twice},
		Handler: Direct(func(context.Context, Values, map[string]any) (Response, error) {
			calls++
			return Success("call"), nil
		}),
	}, nil, nil)
	if calls != 2 {
		t.Fatalf("expected handler to run twice, ran %d", calls)
	}
	if resp.Text() != "call" {
		t.Fatalf("middleware result should be final, got %q", resp.Text())
	}
}

func TestDerive_MergesOntoCopy(t *testing.T) {
	shared := Values{"tenant": "acme"}
	var seen Values
	resp := Run(context.Background(), Invocation{
		Info: info(),
		Middleware: []Middleware{Derive("auth", func(ctx context.Context, rc Values) (Values, error) {
			return Values{"user": "ana"}, nil
		})},
		Handler: Direct(func(ctx context.Context, rc Values, args map[string]any) (Response, error) {
			seen = rc
			return Success("ok"), nil
		}),
	}, shared, nil)
	if resp.IsError {
		t.Fatal(resp.Text())
	}
	if seen.String("user") != "ana" || seen.String("tenant") != "acme" {
		t.Fatalf("expected merged context, got %v", seen)
	}
	if _, ok := shared["user"]; ok {
		t.Fatal("derive must not mutate the caller's context")
	}
}

func TestDerive_ErrorBypassesNext(t *testing.T) {
	ran := false
	resp := Run(context.Background(), Invocation{
		Info: info(),
		Middleware: []Middleware{Derive("auth", func(ctx context.Context, rc Values) (Values, error) {
			return nil, errors.New("no token")
		})},
		Handler: Direct(func(context.Context, Values, map[string]any) (Response, error) {
			ran = true
			return Success("ok"), nil
		}),
	}, nil, nil)
	if ran {
		t.Fatal("handler must not run after a failed derive")
	}
	if !resp.IsError || !strings.Contains(resp.Text(), "[projects/create] no token") {
		t.Fatalf("unexpected response: %s", resp.Text())
	}
}

func TestRun_PanicsAndErrorsAreConverted(t *testing.T) {
	tests := []struct {
		name  string
		fn    DirectFunc
		match string
	}{
		{"error", func(context.Context, Values, map[string]any) (Response, error) {
			return Response{}, errors.New("db down")
		}, "[projects/create] db down"},
		{"panic string", func(context.Context, Values, map[string]any) (Response, error) {
			panic("boom")
		}, "[projects/create] boom"},
		{"panic number", func(context.Context, Values, map[string]any) (Response, error) {
			panic(42)
		}, "[projects/create] 42"},
		{"panic error", func(context.Context, Values, map[string]any) (Response, error) {
			panic(errors.New("wrapped"))
		}, "[projects/create] wrapped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Run(context.Background(), Invocation{Info: info(), Handler: Direct(tt.fn)}, nil, nil)
			if !resp.IsError || !strings.Contains(resp.Text(), tt.match) {
				t.Fatalf("expected %q, got %q", tt.match, resp.Text())
			}
		})
	}
}

func TestRun_PanicNil(t *testing.T) {
	resp := Run(context.Background(), Invocation{
		Info: info(),
		Handler: Direct(func(context.Context, Values, map[string]any) (Response, error) {
			panic(nil)
		}),
	}, nil, nil)
	if !resp.IsError || !strings.HasPrefix(resp.Text(), "[projects/create]") {
		t.Fatalf("unexpected response: %q", resp.Text())
	}
}

func TestRun_CodedErrorRendersToolError(t *testing.T) {
	resp := Run(context.Background(), Invocation{
		Info: info(),
		Handler: Direct(func(context.Context, Values, map[string]any) (Response, error) {
			return Response{}, &RecoverableError{Code: "NOT_FOUND", Message: "project 7 missing", Suggestion: "call list first", AvailableActions: []string{"list"}}
		}),
	}, nil, nil)
	text := resp.Text()
	for _, want := range []string{`<tool_error code="NOT_FOUND">`, "project 7 missing", "<recovery>call list first</recovery>", "<available_actions>list</available_actions>"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in %s", want, text)
		}
	}
}

func TestRun_StreamingDeliversOnlyBrandedProgress(t *testing.T) {
	var got []ProgressEvent
	resp := Run(context.Background(), Invocation{
		Info: info(),
		Handler: Streaming(func(ctx context.Context, rc Values, args map[string]any, yield func(any) bool) (Response, error) {
			yield(Progress(10, "start"))
			yield(map[string]any{"percent": 50})
			yield(ProgressEvent{Percent: 60, Message: "forged"})
			yield(Progress(50, "half"))
			yield("noise")
			yield(Progress(100, "end"))
			return Success("done"), nil
		}),
		Progress: func(ev ProgressEvent) { got = append(got, ev) },
	}, nil, nil)

	if resp.Text() != "done" || len(resp.Content) != 1 {
		t.Fatalf("expected only the terminal response, got %+v", resp)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(got))
	}
	for i, want := range []string{"start", "half", "end"} {
		if got[i].Message != want {
			t.Fatalf("event %d: want %q got %q", i, want, got[i].Message)
		}
	}
}

func TestRun_StreamingBodyNotEnteredOnShortCircuit(t *testing.T) {
	entered := false
	Run(context.Background(), Invocation{
		Info: info(),
		Middleware: []Middleware{MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
			return ErrorResponse("denied"), nil
		})},
		Handler: Streaming(func(ctx context.Context, rc Values, args map[string]any, yield func(any) bool) (Response, error) {
			entered = true
			return Success("done"), nil
		}),
	}, nil, nil)
	if entered {
		t.Fatal("streaming body must not start when middleware short-circuits")
	}
}

func TestRun_PanickingSinkDoesNotBreakPipeline(t *testing.T) {
	resp := Run(context.Background(), Invocation{
		Info: info(),
		Handler: Streaming(func(ctx context.Context, rc Values, args map[string]any, yield func(any) bool) (Response, error) {
			yield(Progress(1, "a"))
			return Success("done"), nil
		}),
		Progress: func(ProgressEvent) { panic("sink broke") },
	}, nil, nil)
	if resp.IsError {
		t.Fatalf("sink panic leaked into response: %s", resp.Text())
	}
}

func TestRun_YieldReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	resp := Run(ctx, Invocation{
		Info: info(),
		Handler: Streaming(func(ctx context.Context, rc Values, args map[string]any, yield func(any) bool) (Response, error) {
			for i := 0; i < 10; i++ {
				steps++
				if i == 2 {
					cancel()
				}
				if !yield(Progress(float64(i*10), "step")) {
					return ErrorResponse("cancelled"), nil
				}
			}
			return Success("done"), nil
		}),
	}, nil, nil)
	if steps != 3 || resp.Text() != "cancelled" {
		t.Fatalf("expected handler to observe cancellation after 3 steps, got %d (%s)", steps, resp.Text())
	}
}

func TestRun_CallInfoVisibleToMiddleware(t *testing.T) {
	var seen CallInfo
	Run(context.Background(), Invocation{
		Info: CallInfo{Tool: "files", Action: "delete", Destructive: true},
		Middleware: []Middleware{MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
			seen, _ = CallInfoFromContext(ctx)
			return next(ctx, rc)
		})},
		Handler: Direct(func(context.Context, Values, map[string]any) (Response, error) { return Success("ok"), nil }),
	}, nil, nil)
	if seen.Tool != "files" || seen.Action != "delete" || !seen.Destructive {
		t.Fatalf("unexpected call info: %+v", seen)
	}
}

func TestRun_ContextIsolation(t *testing.T) {
	mutate := MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
		rc["touched"] = true
		return next(ctx, rc)
	})
	inv := Invocation{
		Info:       info(),
		Middleware: []Middleware{mutate},
		Handler:    Direct(func(context.Context, Values, map[string]any) (Response, error) { return Success("ok"), nil }),
	}
	rc := Values{"user": "a"}
	Run(context.Background(), inv, rc, nil)
	if rc.Bool("touched") {
		t.Fatal("middleware mutation leaked into the caller's context")
	}
}

func TestNameOf(t *testing.T) {
	if got := NameOf(Named("audit", MiddlewareFunc(nil))); got != "audit" {
		t.Fatalf("expected named middleware, got %q", got)
	}
	if got := NameOf(Derive("auth", nil)); got != "auth" {
		t.Fatalf("expected derive name, got %q", got)
	}
	fn := MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
		return next(ctx, rc)
	})
	if got := NameOf(fn); !strings.Contains(got, "TestNameOf") {
		t.Fatalf("expected function name fallback, got %q", got)
	}
}

func TestValuesWith(t *testing.T) {
	base := Values{"a": 1}
	derived := base.With(map[string]any{"b": 2})
	if len(base) != 1 || len(derived) != 2 {
		t.Fatalf("With must copy: base=%v derived=%v", base, derived)
	}
	var nilValues Values
	if got := nilValues.With(map[string]any{"x": 1}); got["x"] != 1 {
		t.Fatal("With on nil receiver should work")
	}
}

func TestToolErrorEscapesMarkup(t *testing.T) {
	resp := ToolError("BAD", ToolErrorOptions{Message: "<script>&"})
	if !strings.Contains(resp.Text(), "&lt;script&gt;&amp;") {
		t.Fatalf("expected escaped message, got %s", resp.Text())
	}
	if !resp.IsError {
		t.Fatal("tool errors are error responses")
	}
}

func BenchmarkRun(b *testing.B) {
	inv := Invocation{
		Info: info(),
		Middleware: []Middleware{
			Derive("a", func(ctx context.Context, rc Values) (Values, error) { return Values{"a": 1}, nil }),
			MiddlewareFunc(func(ctx context.Context, rc Values, args map[string]any, next NextFunc) (Response, error) {
				return next(ctx, rc)
			}),
		},
		Handler: Direct(func(context.Context, Values, map[string]any) (Response, error) { return Success("ok"), nil }),
	}
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		Run(ctx, inv, Values{"user": "u"}, nil)
	}
}

func TestResponse_ErrorCode(t *testing.T) {
	if got := ToolError("UNKNOWN_ACTION", ToolErrorOptions{Message: "x"}).ErrorCode(); got != "UNKNOWN_ACTION" {
		t.Fatalf("got %q", got)
	}
	if got := ErrorResponse("plain").ErrorCode(); got != "" {
		t.Fatalf("got %q", got)
	}
	if got := Success(`<tool_error code="X">`).ErrorCode(); got != "" {
		t.Fatal("success responses carry no code")
	}
}
