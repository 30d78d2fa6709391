// Copyright 2025 The NLP Odyssey Authors
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

package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// SynchronousMultiTracingProcessor forwards all calls to a list of Processors,
// in order of registration. The default processor, when present, stays at
// index 0.
type SynchronousMultiTracingProcessor struct {
	processors       []Processor
	defaultProcessor Processor
	replaceWarned    bool
	mu               sync.RWMutex
}

func NewSynchronousMultiTracingProcessor() *SynchronousMultiTracingProcessor {
	return &SynchronousMultiTracingProcessor{}
}

// setDefaultProcessor installs the built-in processor at the head of the
// list. It is called once, when the global provider is created.
func (p *SynchronousMultiTracingProcessor) setDefaultProcessor(processor Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultProcessor = processor
	p.processors = append([]Processor{processor}, p.processors...)
}

// AddProcessor adds a processor to the list of processors.
// Each processor will receive all traces/spans.
//
// If auto-replacement has been opted in via SetAutoReplaceTraceProcessorOnAdd,
// the first addition removes the default processor; otherwise the default
// stays registered alongside the added processors and a warning is emitted
// once per process.
func (p *SynchronousMultiTracingProcessor) AddProcessor(processor Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.defaultProcessor != nil {
		if AutoReplaceTraceProcessorOnAdd() {
			p.processors = slices.DeleteFunc(p.processors, func(q Processor) bool {
				return q == p.defaultProcessor
			})
			p.defaultProcessor = nil
		} else if !p.replaceWarned {
			p.replaceWarned = true
			Logger().Warn(
				"The default trace processor remains registered; added processors run alongside it. " +
					"Call SetAutoReplaceTraceProcessorOnAdd(true) before adding processors to replace it instead.",
			)
		}
	}

	p.processors = append(p.processors, processor)
}

// SetProcessors sets the list of processors.
// This will replace the current list of processors, discarding the default
// processor regardless of the auto-replacement policy.
func (p *SynchronousMultiTracingProcessor) SetProcessors(processors []Processor) {
	p.mu.Lock()
	p.processors = slices.Clone(processors)
	p.defaultProcessor = nil
	p.mu.Unlock()
}

// GetProcessors returns a snapshot of the registered processors, in
// registration order.
func (p *SynchronousMultiTracingProcessor) GetProcessors() []Processor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.processors)
}

// snapshot returns the current processor list without holding the lock for
// the duration of a dispatch, so registrations during dispatch never tear
// the notification set.
func (p *SynchronousMultiTracingProcessor) snapshot() []Processor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.processors[:len(p.processors):len(p.processors)]
}

// OnTraceStart is called when a trace is started.
// Processor failures are logged and do not stop dispatch to the remaining
// processors, nor do they reach the caller.
func (p *SynchronousMultiTracingProcessor) OnTraceStart(ctx context.Context, trace Trace) error {
	for _, processor := range p.snapshot() {
		if err := processor.OnTraceStart(ctx, trace); err != nil {
			logProcessorError("OnTraceStart", err)
		}
	}
	return nil
}

// OnTraceEnd is called when a trace is finished.
func (p *SynchronousMultiTracingProcessor) OnTraceEnd(ctx context.Context, trace Trace) error {
	for _, processor := range p.snapshot() {
		if err := processor.OnTraceEnd(ctx, trace); err != nil {
			logProcessorError("OnTraceEnd", err)
		}
	}
	return nil
}

// OnSpanStart is called when a span is started.
func (p *SynchronousMultiTracingProcessor) OnSpanStart(ctx context.Context, span Span) error {
	for _, processor := range p.snapshot() {
		if err := processor.OnSpanStart(ctx, span); err != nil {
			logProcessorError("OnSpanStart", err)
		}
	}
	return nil
}

// OnSpanEnd is called when a span is finished.
func (p *SynchronousMultiTracingProcessor) OnSpanEnd(ctx context.Context, span Span) error {
	for _, processor := range p.snapshot() {
		if err := processor.OnSpanEnd(ctx, span); err != nil {
			logProcessorError("OnSpanEnd", err)
		}
	}
	return nil
}

// Shutdown is called when the application stops.
// All processors are shut down, in order; failures are aggregated.
func (p *SynchronousMultiTracingProcessor) Shutdown(ctx context.Context) error {
	processors := p.snapshot()
	errs := make([]error, len(processors))
	for i, processor := range processors {
		errs[i] = processor.Shutdown(ctx)
	}
	return errors.Join(errs...)
}

func (p *SynchronousMultiTracingProcessor) ForceFlush(ctx context.Context) error {
	processors := p.snapshot()
	errs := make([]error, len(processors))
	for i, processor := range processors {
		errs[i] = processor.ForceFlush(ctx)
	}
	return errors.Join(errs...)
}

func logProcessorError(hook string, err error) {
	Logger().Error(
		"Trace processor failed; continuing with remaining processors",
		slog.String("hook", hook),
		slog.String("error", err.Error()),
	)
}

// TraceProvider is an interface for creating traces and spans.
type TraceProvider interface {
	// RegisterProcessor adds a processor that will receive all traces and spans.
	RegisterProcessor(processor Processor)

	// SetProcessors replaces the list of processors with the given value.
	SetProcessors(processors []Processor)

	// GetProcessors returns the registered processors, in registration order.
	GetProcessors() []Processor

	// GetCurrentTrace returns the currently active trace, if any.
	GetCurrentTrace(context.Context) Trace

	// GetCurrentSpan returns the currently active span, if any.
	GetCurrentSpan(context.Context) Span

	// SetDisabled enable or disable tracing globally.
	SetDisabled(disabled bool)

	// GenTraceID generates a new trace identifier.
	GenTraceID() string

	// GenSpanID generates a new span identifier.
	GenSpanID() string

	// GenGroupID generates a new group identifier.
	GenGroupID() string

	// CreateTrace creates a new trace.
	CreateTrace(
		name string,
		traceID string,
		groupID string,
		metadata map[string]any,
		disabled bool,
	) Trace

	// CreateSpan creates a new span.
	CreateSpan(
		ctx context.Context,
		spanData SpanData,
		spanID string,
		parent any,
		disabled bool,
	) Span

	// Shutdown cleans up any resources used by the provider.
	Shutdown(context.Context)
}

type DefaultTraceProvider struct {
	multiProcessor *SynchronousMultiTracingProcessor
	disabled       atomic.Bool
}

func NewDefaultTraceProvider() *DefaultTraceProvider {
	disabledVar := strings.ToLower(os.Getenv("OPENAI_AGENTS_DISABLE_TRACING"))

	p := &DefaultTraceProvider{
		multiProcessor: NewSynchronousMultiTracingProcessor(),
	}
	p.disabled.Store(disabledVar == "true" || disabledVar == "1")
	return p
}

// dispatchGate sits between traces/spans and the multi-processor.
// It checks the disabled flag on every call, so toggling the flag takes
// effect on the next lifecycle event. Shutdown and ForceFlush always pass
// through: records buffered before disabling still get their final flush.
type dispatchGate struct {
	provider *DefaultTraceProvider
}

func (g dispatchGate) OnTraceStart(ctx context.Context, trace Trace) error {
	if g.provider.disabled.Load() {
		return nil
	}
	return g.provider.multiProcessor.OnTraceStart(ctx, trace)
}

func (g dispatchGate) OnTraceEnd(ctx context.Context, trace Trace) error {
	if g.provider.disabled.Load() {
		return nil
	}
	return g.provider.multiProcessor.OnTraceEnd(ctx, trace)
}

func (g dispatchGate) OnSpanStart(ctx context.Context, span Span) error {
	if g.provider.disabled.Load() {
		return nil
	}
	return g.provider.multiProcessor.OnSpanStart(ctx, span)
}

func (g dispatchGate) OnSpanEnd(ctx context.Context, span Span) error {
	if g.provider.disabled.Load() {
		return nil
	}
	return g.provider.multiProcessor.OnSpanEnd(ctx, span)
}

func (g dispatchGate) Shutdown(ctx context.Context) error {
	return g.provider.multiProcessor.Shutdown(ctx)
}

func (g dispatchGate) ForceFlush(ctx context.Context) error {
	return g.provider.multiProcessor.ForceFlush(ctx)
}

// RegisterProcessor adds a processor to the list of processors.
// Each processor will receive all traces/spans.
func (p *DefaultTraceProvider) RegisterProcessor(processor Processor) {
	p.multiProcessor.AddProcessor(processor)
}

// SetProcessors sets the list of processors.
// This will replace the current list of processors.
func (p *DefaultTraceProvider) SetProcessors(processors []Processor) {
	p.multiProcessor.SetProcessors(processors)
}

// GetProcessors returns the registered processors, in registration order.
func (p *DefaultTraceProvider) GetProcessors() []Processor {
	return p.multiProcessor.GetProcessors()
}

// GetCurrentTrace returns the currently active trace, if any.
func (p *DefaultTraceProvider) GetCurrentTrace(ctx context.Context) Trace {
	return GetCurrentTraceFromContextScope(ctx)
}

// GetCurrentSpan returns the currently active span, if any.
func (p *DefaultTraceProvider) GetCurrentSpan(ctx context.Context) Span {
	return GetCurrentSpanFromContextScope(ctx)
}

// SetDisabled set whether tracing is disabled.
// Disabling tracing does not change what CreateTrace and CreateSpan return:
// lifecycle transitions still succeed, but no processor is notified while
// the flag is set.
func (p *DefaultTraceProvider) SetDisabled(disabled bool) {
	p.disabled.Store(disabled)
}

// GenTraceID generates a new trace ID.
func (p *DefaultTraceProvider) GenTraceID() string { return GenTraceID() }

// GenSpanID generates a new span ID.
func (p *DefaultTraceProvider) GenSpanID() string { return GenSpanID() }

// GenGroupID generates a new group ID.
func (p *DefaultTraceProvider) GenGroupID() string { return GenGroupID() }

// CreateTrace creates a new trace.
func (p *DefaultTraceProvider) CreateTrace(
	name string,
	traceID string,
	groupID string,
	metadata map[string]any,
	disabled bool,
) Trace {
	if disabled {
		Logger().Debug("Tracing is disabled for this trace. Not creating trace", slog.String("name", name))
		return NewNoOpTrace()
	}

	if traceID == "" {
		traceID = p.GenTraceID()
	}

	Logger().Debug("Creating trace", slog.String("name", name), slog.String("ID", traceID))

	return NewTraceImpl(name, traceID, groupID, metadata, dispatchGate{provider: p})
}

// CreateSpan creates a new span.
func (p *DefaultTraceProvider) CreateSpan(
	ctx context.Context,
	spanData SpanData,
	spanID string,
	parent any,
	disabled bool,
) Span {
	if disabled {
		Logger().Debug("Tracing is disabled for this span. Not creating span", slog.Any("data", spanData))
		return NewNoOpSpan(spanData)
	}

	var parentID string
	var traceID string

	switch parent := parent.(type) {
	case nil:
		currentSpan := GetCurrentSpanFromContextScope(ctx)
		currentTrace := GetCurrentTraceFromContextScope(ctx)

		if currentTrace == nil {
			Logger().Error("No active trace. Make sure to start a trace first. Returning NoOpSpan.")
			return NewNoOpSpan(spanData)
		}

		if _, ok := currentTrace.(*NoOpTrace); ok {
			Logger().Error("Current parent trace is no-op. Returning NoOpSpan.")
			return NewNoOpSpan(spanData)
		}
		if _, ok := currentSpan.(*NoOpSpan); ok {
			Logger().Error("Current parent span is no-op. Returning NoOpSpan.")
			return NewNoOpSpan(spanData)
		}

		if currentSpan != nil {
			parentID = currentSpan.SpanID()
		}
		traceID = currentTrace.TraceID()
	case Trace:
		if _, ok := parent.(*NoOpTrace); ok {
			Logger().Debug("Parent trace is no-op, returning NoOpSpan.")
			return NewNoOpSpan(spanData)
		}
		traceID = parent.TraceID()
		parentID = ""
	case Span:
		if _, ok := parent.(*NoOpSpan); ok {
			Logger().Debug("Parent span is no-op, returning NoOpSpan.")
			return NewNoOpSpan(spanData)
		}
		parentID = parent.SpanID()
		traceID = parent.TraceID()
	default:
		Logger().Error(fmt.Sprintf("Unexpected parent type %T. Returning NoOpSpan.", parent))
		return NewNoOpSpan(spanData)
	}

	Logger().Debug("Creating span", slog.Any("data", spanData), slog.String("ID", spanID))

	if spanID == "" {
		spanID = p.GenSpanID()
	}

	return NewSpanImpl(traceID, spanID, parentID, dispatchGate{provider: p}, spanData)
}

func (p *DefaultTraceProvider) Shutdown(ctx context.Context) {
	Logger().Debug("Shutting down trace provider")

	err := p.multiProcessor.Shutdown(ctx)
	if err != nil {
		Logger().Error("Error shutting down trace provider", slog.String("error", err.Error()))
	}
}
