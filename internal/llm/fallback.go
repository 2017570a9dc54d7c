package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackInvoker wraps multiple invokers and tries them in order.
// If the primary fails, subsequent invokers are tried until one succeeds
// or all have failed.
type FallbackInvoker struct {
	invokers []Invoker
	logger   *slog.Logger
}

// NewFallbackInvoker creates an invoker that tries each backend in order.
// At least one invoker is required.
func NewFallbackInvoker(invokers []Invoker, logger *slog.Logger) *FallbackInvoker {
	if len(invokers) == 0 {
		panic("FallbackInvoker requires at least one invoker")
	}
	return &FallbackInvoker{invokers: invokers, logger: logger}
}

// Invoke tries each backend in order, returning the first successful completion.
func (f *FallbackInvoker) Invoke(ctx context.Context, prompt string) (*Completion, error) {
	var lastErr error
	for i, inv := range f.invokers {
		c, err := inv.Invoke(ctx, prompt)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", inv.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", inv.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.invokers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.invokers), lastErr)
}

// Name returns a composite name indicating fallback configuration.
func (f *FallbackInvoker) Name() string {
	if len(f.invokers) == 1 {
		return f.invokers[0].Name()
	}
	return f.invokers[0].Name() + "+fallback"
}
