package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/ki2go/internal/llm"
)

// UpstreamOperation is the anomaly detector key for model calls.
const UpstreamOperation = "llm_invoke"

// InstrumentedInvoker wraps an llm.Invoker with metrics, tracing, and
// anomaly detection.
type InstrumentedInvoker struct {
	inner   llm.Invoker
	metrics *MetricsCollector
	tracer  *TracerSetup
	anomaly *AnomalyDetector
}

// NewInstrumentedInvoker wraps inv. Any of the collectors may be nil.
func NewInstrumentedInvoker(inv llm.Invoker, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedInvoker {
	return &InstrumentedInvoker{inner: inv, metrics: metrics, tracer: ts, anomaly: anomaly}
}

func (p *InstrumentedInvoker) Name() string { return p.inner.Name() }

func (p *InstrumentedInvoker) Invoke(ctx context.Context, prompt string) (*llm.Completion, error) {
	provider := p.inner.Name()

	var spanErr error
	ctx, span := p.tracer.Start(ctx, "llm.invoke",
		attribute.String("llm.provider", provider),
		attribute.Int("llm.prompt_chars", len(prompt)),
	)
	defer func() { EndSpan(span, spanErr) }()

	start := time.Now()
	out, err := p.inner.Invoke(ctx, prompt)
	duration := time.Since(start).Seconds()
	spanErr = err

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, requestStatus(err)).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)
		if out != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, out.Model, "input").Add(float64(out.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, out.Model, "output").Add(float64(out.OutputTokens))
		}
	}
	if out != nil {
		span.SetAttributes(
			attribute.String("llm.model", out.Model),
			attribute.Int("llm.input_tokens", out.InputTokens),
			attribute.Int("llm.output_tokens", out.OutputTokens),
		)
	}

	if err != nil {
		p.anomaly.RecordError(UpstreamOperation)
	} else {
		p.anomaly.RecordSuccess(UpstreamOperation)
	}

	return out, err
}

// requestStatus buckets an invoke error into a low-cardinality label.
func requestStatus(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var se *llm.StatusError
	if errors.As(err, &se) {
		return statusCode(se.StatusCode)
	}
	return "error"
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
