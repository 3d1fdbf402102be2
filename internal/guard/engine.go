package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Engine fans out evaluation requests to all registered evaluators
// in parallel and collects their results.
type Engine struct {
	evaluators []Evaluator
	timeout    time.Duration
	logger     *zap.Logger
}

// NewEngine creates an engine with the given evaluators and timeout.
func NewEngine(evaluators []Evaluator, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		evaluators: evaluators,
		timeout:    timeout,
		logger:     logger,
	}
}

// evalOutput holds a single evaluator's result alongside its metadata.
type evalOutput struct {
	name     string
	category Category
	result   *EvalResult
	err      error
}

// Evaluate runs evaluators in parallel against the request and returns
// the collected results. Evaluators that exceed the timeout are skipped.
//
// Each goroutine sends its result through a buffered channel, so the main
// goroutine can safely read completed results without racing against
// in-flight writes. When the deadline fires, we stop reading and return
// whatever has been collected.
func (e *Engine) Evaluate(ctx context.Context, req *EvalRequest) ([]Result, time.Duration) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ch := make(chan evalOutput, len(e.evaluators))

	for _, ev := range e.evaluators {
		go func(ev Evaluator) {
			out := evalOutput{name: ev.Name(), category: ev.Category()}
			defer func() {
				if r := recover(); r != nil {
					out.result, out.err = nil, panicErr{value: r}
				}
				ch <- out
			}()
			out.result, out.err = ev.Evaluate(ctx, req)
		}(ev)
	}

	collected := make([]evalOutput, 0, len(e.evaluators))
	remaining := len(e.evaluators)
	for remaining > 0 {
		select {
		case out := <-ch:
			collected = append(collected, out)
			remaining--
		case <-ctx.Done():
			e.logger.Warn("evaluator timeout exceeded, returning partial results",
				zap.String("tool", req.ToolName),
				zap.Duration("timeout", e.timeout),
			)
			remaining = 0
		}
	}

	results := make([]Result, 0, len(collected))
	for _, out := range collected {
		if out.err != nil {
			e.logger.Warn("evaluator error",
				zap.String("evaluator", out.name),
				zap.Error(out.err),
			)
			results = append(results, Result{
				Evaluator: out.name,
				Category:  out.category,
				Details:   "evaluator error: " + out.err.Error(),
			})
			continue
		}
		if out.result == nil {
			continue
		}
		results = append(results, Result{
			Evaluator:  out.name,
			Category:   out.category,
			Triggered:  out.result.Triggered,
			Confidence: out.result.Confidence,
			Details:    out.result.Details,
		})
	}

	return results, time.Since(start)
}

type panicErr struct{ value any }

func (p panicErr) Error() string { return fmt.Sprintf("evaluator panicked: %v", p.value) }
