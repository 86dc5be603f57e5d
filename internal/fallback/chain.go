// Package fallback runs an ordered list of strategies until one succeeds.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every strategy in a chain failed.
var ErrExhausted = errors.New("all strategies failed")

// Strategy is one way of producing a T.
type Strategy[T any] interface {
	Name() string
	Attempt(ctx context.Context) (T, error)
}

// Func adapts a function into a named Strategy.
type Func[T any] struct {
	Label string
	Fn    func(ctx context.Context) (T, error)
}

// Name returns the strategy label.
func (f Func[T]) Name() string { return f.Label }

// Attempt runs the function.
func (f Func[T]) Attempt(ctx context.Context) (T, error) { return f.Fn(ctx) }

// Failure records why a strategy did not produce a value.
type Failure struct {
	Strategy string `json:"strategy"`
	Error    string `json:"error"`
}

// Outcome reports which strategy won and what failed before it.
type Outcome[T any] struct {
	Value    T
	Source   string
	Failures []Failure
}

// Chain is an ordered list of strategies.
type Chain[T any] struct {
	strategies []Strategy[T]
	logger     *slog.Logger
}

// New builds a chain from strategies in priority order.
func New[T any](logger *slog.Logger, strategies ...Strategy[T]) *Chain[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain[T]{strategies: strategies, logger: logger}
}

// Run tries each strategy in order and returns the first success. A cancelled
// context stops the chain early.
func (c *Chain[T]) Run(ctx context.Context) (Outcome[T], error) {
	var out Outcome[T]
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("fallback chain interrupted: %w", err)
		}
		v, err := s.Attempt(ctx)
		if err == nil {
			out.Value = v
			out.Source = s.Name()
			if len(out.Failures) > 0 {
				c.logger.Info("fallback strategy succeeded", "strategy", s.Name(), "skipped", len(out.Failures))
			}
			return out, nil
		}
		c.logger.Warn("fallback strategy failed", "strategy", s.Name(), "error", err)
		out.Failures = append(out.Failures, Failure{Strategy: s.Name(), Error: err.Error()})
	}
	return out, fmt.Errorf("%w: %d tried", ErrExhausted, len(c.strategies))
}
