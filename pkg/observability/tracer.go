// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry TracerProvider, exposing the subset of
// trace.Tracer that turn/tool spans need plus lifecycle management.
type Tracer struct {
	provider      *sdktrace.TracerProvider
	tracer        trace.Tracer
	debugExporter *DebugExporter
}

// TracerOption configures optional Tracer behavior.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	debugExporter   *DebugExporter
	capturePayloads bool
}

// WithDebugExporter registers an in-memory span exporter alongside the
// configured exporter, so recent spans can be inspected without a
// collector. The DebugExporter is also reachable later via
// Tracer.DebugExporter.
func WithDebugExporter(exporter *DebugExporter) TracerOption {
	return func(o *tracerOptions) {
		o.debugExporter = exporter
	}
}

// WithCapturePayloads stores the payload-capture setting in the tracer
// options. NewTracer and Tracer do not read it, so no request/response
// payload attributes are recorded on spans whatever its value.
func WithCapturePayloads(enabled bool) TracerOption {
	return func(o *tracerOptions) {
		o.capturePayloads = enabled
	}
}

// NewTracer builds a Tracer from TracingConfig. Spans are always
// sampled at cfg.SamplingRate and exported to cfg.Exporter; "stdout"
// writes completed span batches to stderr, any other name that isn't
// "otlp"/"jaeger"/"zipkin" is rejected outright rather than producing a
// silent no-op tracer. The remote exporters require a collector client
// dependency this build doesn't carry, so they fail fast with a clear
// error instead of pretending to export.
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("observability: nil tracing config")
	}

	var o tracerOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String(AttrServiceName, cfg.ServiceName),
			attribute.String(AttrServiceVersion, cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	spanOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	switch cfg.Exporter {
	case "stdout":
		spanOpts = append(spanOpts, sdktrace.WithBatcher(newStdoutExporter(os.Stderr)))
	case "otlp", "jaeger", "zipkin":
		return nil, fmt.Errorf("observability: exporter %q requires a collector client not bundled in this build; use \"stdout\" or disable tracing", cfg.Exporter)
	default:
		return nil, fmt.Errorf("observability: unknown exporter %q", cfg.Exporter)
	}

	var debugExporter *DebugExporter
	if o.debugExporter != nil {
		debugExporter = o.debugExporter
		spanOpts = append(spanOpts, sdktrace.WithBatcher(debugExporter))
	}

	provider := sdktrace.NewTracerProvider(spanOpts...)
	otel.SetTracerProvider(provider)

	return &Tracer{
		provider:      provider,
		tracer:        provider.Tracer(cfg.ServiceName),
		debugExporter: debugExporter,
	}, nil
}

// Start begins a span, delegating to the underlying trace.Tracer. This
// lets Tracer be used anywhere a trace.Tracer-shaped Start call is
// expected (see HTTPMiddleware).
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// DebugExporter returns the in-memory span exporter, or nil if one
// wasn't configured via WithDebugExporter.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debugExporter
}

// Shutdown flushes and stops the underlying TracerProvider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
