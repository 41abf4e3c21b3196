package llm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
	"github.com/capitalize-ai/concord/pkg/metrics"
)

// Recorder persists a call record and increments the model's aggregate
// counter as one atomic unit.
type Recorder interface {
	RecordModelCall(ctx context.Context, rec model.ModelCallRecord) error
}

// InterceptorConfig tunes the interceptor.
type InterceptorConfig struct {
	DefaultModel  string
	Timeout       time.Duration
	RecordTimeout time.Duration
}

// Interceptor wraps a Client so that every invocation, successful or not,
// produces exactly one ModelCallRecord. Recording failures never change what
// the caller sees.
type Interceptor struct {
	client   Client
	recorder Recorder
	cfg      InterceptorConfig
	tracer   trace.Tracer
	logger   *logger.Logger
	now      func() time.Time
}

// NewInterceptor creates an interceptor. client may be nil, in which case
// every call fails with ErrNoClient and is still recorded.
func NewInterceptor(client Client, recorder Recorder, cfg InterceptorConfig, log *logger.Logger) *Interceptor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 2 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Interceptor{
		client:   client,
		recorder: recorder,
		cfg:      cfg,
		tracer:   otel.Tracer("concord/llm"),
		logger:   log.Named("llm"),
		now:      time.Now,
	}
}

// Name returns the wrapped provider name.
func (i *Interceptor) Name() string {
	if i.client == nil {
		return "none"
	}
	return i.client.Name()
}

// Models returns the wrapped provider's models.
func (i *Interceptor) Models() []string {
	if i.client == nil {
		return nil
	}
	return i.client.Models()
}

// Invoke is a convenience for a single user prompt.
func (i *Interceptor) Invoke(ctx context.Context, modelID, system, prompt string) (*CompletionResponse, error) {
	return i.Complete(ctx, UserPrompt(modelID, system, prompt))
}

// Complete calls the wrapped client and records the call. The returned
// response and error are exactly those of the wrapped client.
func (i *Interceptor) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	call := *req
	if call.Model == "" {
		call.Model = i.cfg.DefaultModel
	}
	caller := CallerFrom(ctx)

	ctx, span := i.tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(
			attribute.String("llm.model", call.Model),
			attribute.String("llm.caller_type", caller.Type),
			attribute.String("llm.caller_name", caller.Name),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	start := i.now()
	var (
		resp *CompletionResponse
		err  error
	)
	if i.client == nil {
		err = ErrNoClient
	} else {
		callCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
		resp, err = i.client.Complete(callCtx, &call)
		cancel()
	}
	latency := i.now().Sub(start)

	rec := i.buildRecord(span, caller, &call, resp, err, latency)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", rec.PromptTokens),
		attribute.Int("llm.completion_tokens", rec.CompletionTokens),
	)

	i.record(ctx, rec)
	metrics.RecordModelCall(rec.ModelID, rec.CallerType, string(rec.Status), latency.Seconds(), rec.PromptTokens, rec.CompletionTokens)

	return resp, err
}

func (i *Interceptor) buildRecord(
	span trace.Span,
	caller Caller,
	req *CompletionRequest,
	resp *CompletionResponse,
	callErr error,
	latency time.Duration,
) model.ModelCallRecord {
	rec := model.ModelCallRecord{
		ID:         uuid.NewString(),
		ModelID:    req.Model,
		CallerType: caller.Type,
		CallerName: caller.Name,
		UserID:     caller.UserID,
		LatencyMs:  latency.Milliseconds(),
		Status:     model.CallSuccess,
		CreatedAt:  i.now().UTC(),
	}
	if rec.ModelID == "" {
		rec.ModelID = "unknown"
	}

	if sc := span.SpanContext(); sc.HasTraceID() {
		rec.TraceID = sc.TraceID().String()
	} else {
		rec.TraceID = uuid.NewString()
	}

	if digest, err := Digest(req); err == nil {
		rec.PromptDigest = digest
	}

	if callErr != nil {
		rec.Status = model.CallError
		rec.Error = callErr.Error()
		if errors.Is(callErr, context.DeadlineExceeded) {
			rec.Error = "timeout: " + rec.Error
		}
	}
	if resp != nil {
		rec.PromptTokens = resp.TokensIn
		rec.CompletionTokens = resp.TokensOut
		if digest, err := Digest(resp.Content); err == nil {
			rec.ResponseDigest = digest
		}
	}
	return rec
}

func (i *Interceptor) record(ctx context.Context, rec model.ModelCallRecord) {
	if i.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.RecordTimeout)
	defer cancel()

	if err := i.recorder.RecordModelCall(recordCtx, rec); err != nil {
		metrics.ModelCallRecordFailures.Inc()
		i.logger.WithModelCall(rec.ModelID, rec.CallerType, rec.CallerName, rec.TraceID).
			Error("failed to record model call", zap.Error(err))
	}
}
