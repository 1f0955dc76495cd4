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
	"io"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// stdoutExporter is a minimal sdktrace.SpanExporter that writes one line
// per completed span to an io.Writer. It exists so TracingConfig.Exporter
// = "stdout" has a real, dependency-free destination instead of silently
// discarding spans.
type stdoutExporter struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdoutExporter(w io.Writer) *stdoutExporter {
	return &stdoutExporter{w: w}
}

func (e *stdoutExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		_, err := fmt.Fprintf(e.w, "span name=%q trace_id=%s span_id=%s duration=%s status=%s\n",
			span.Name(),
			span.SpanContext().TraceID(),
			span.SpanContext().SpanID(),
			span.EndTime().Sub(span.StartTime()),
			span.Status().Code,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *stdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

var _ sdktrace.SpanExporter = (*stdoutExporter)(nil)
