package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const usageMeterName = "github.com/arbiterhealth/arbiter/internal/llm"

var (
	inputTokenHistogram  metric.Int64Histogram
	outputTokenHistogram metric.Int64Histogram
	usageMetricsOnce     sync.Once
	usageMetricsReady    bool
)

func initUsageMetrics() {
	meter := otel.Meter(usageMeterName)
	var err error
	inputTokenHistogram, err = meter.Int64Histogram(
		"arbiter.model.input_tokens",
		metric.WithDescription("Prompt tokens per model request"),
	)
	if err != nil {
		return
	}
	outputTokenHistogram, err = meter.Int64Histogram(
		"arbiter.model.output_tokens",
		metric.WithDescription("Completion tokens per model request"),
	)
	if err != nil {
		return
	}
	usageMetricsReady = true
}

// RecordUsageMetrics records token usage after a model call.
func RecordUsageMetrics(ctx context.Context, model string, inputTokens, outputTokens int) {
	usageMetricsOnce.Do(initUsageMetrics)
	if !usageMetricsReady {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	inputTokenHistogram.Record(ctx, int64(inputTokens), attrs)
	outputTokenHistogram.Record(ctx, int64(outputTokens), attrs)
}
