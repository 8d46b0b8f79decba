package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiterhealth/arbiter/internal/llm"
	arbiterotel "github.com/arbiterhealth/arbiter/internal/otel"
)

var tracer = arbiterotel.Tracer("github.com/arbiterhealth/arbiter/internal/tools")

const meterName = "github.com/arbiterhealth/arbiter/internal/tools"

var (
	latencyHistogram metric.Int64Histogram
	metricsOnce      sync.Once
	metricsReady     bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	latencyHistogram, err = meter.Int64Histogram(
		"arbiter.tool.latency",
		metric.WithDescription("Tool call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	metricsReady = true
}

// Result is the outcome of one tool call. Failures are values, not errors:
// the dispatcher never raises, and every Result — success or failure — goes
// back to the model as turn context.
type Result struct {
	CallID  string        `json:"call_id"`
	Tool    string        `json:"tool"`
	Args    string        `json:"args,omitempty"`
	Output  string        `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Success bool          `json:"success"`
	Latency time.Duration `json:"-"`
}

// Payload is what the model sees for this result.
func (r Result) Payload() string {
	if r.Success {
		return r.Output
	}
	raw, _ := json.Marshal(map[string]interface{}{"error": r.Error})
	return string(raw)
}

// Dispatcher resolves, validates, and executes tool calls.
type Dispatcher struct {
	registry *Registry
	validate *validator.Validate
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher. timeout caps each tool execution;
// zero or negative disables the cap.
func NewDispatcher(registry *Registry, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		timeout:  timeout,
	}
}

// Dispatch executes one call from the model. The returned Result carries
// either the capability's JSON output or a typed failure message the model
// can act on.
func (d *Dispatcher) Dispatch(ctx context.Context, call llm.ToolCall) Result {
	ctx, span := tracer.Start(ctx, "tools.dispatch",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	start := time.Now()
	res := Result{CallID: call.ID, Tool: call.Name, Args: call.Arguments}
	defer func() {
		res.Latency = time.Since(start)
		span.SetAttributes(
			attribute.Bool("tool.success", res.Success),
			attribute.Int64("tool.latency_ms", res.Latency.Milliseconds()),
		)
		metricsOnce.Do(initMetrics)
		if metricsReady {
			latencyHistogram.Record(ctx, res.Latency.Milliseconds(), metric.WithAttributes(
				attribute.String("tool", call.Name),
				attribute.Bool("success", res.Success),
			))
		}
	}()

	c, ok := d.registry.Get(call.Name)
	if !ok {
		res.Error = fmt.Sprintf("%v: %s", ErrUnknownTool, call.Name)
		return res
	}

	args := c.NewArgs()
	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), args); err != nil {
		verr := &InvalidArgumentsError{Tool: call.Name, Problems: []string{fmt.Sprintf("arguments are not valid JSON: %v", err)}}
		res.Error = verr.Error()
		return res
	}
	if err := d.validate.Struct(args); err != nil {
		res.Error = invalidArgs(call.Name, err).Error()
		return res
	}

	execCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	out, err := c.Execute(execCtx, args)
	if err != nil {
		exErr := &ExecutionError{Tool: call.Name, Err: err}
		span.RecordError(exErr)
		res.Error = exErr.Error()
		return res
	}

	payload, err := json.Marshal(out)
	if err != nil {
		exErr := &ExecutionError{Tool: call.Name, Err: fmt.Errorf("encoding result: %w", err)}
		res.Error = exErr.Error()
		return res
	}

	res.Output = string(payload)
	res.Success = true
	return res
}

func invalidArgs(tool string, err error) *InvalidArgumentsError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &InvalidArgumentsError{Tool: tool, Problems: []string{err.Error()}}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("field %s failed %q validation", fe.Field(), fe.Tag()))
	}
	return &InvalidArgumentsError{Tool: tool, Problems: problems}
}
