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
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingHandler records every log emitted through the global logger.
type capturingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *capturingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *capturingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *capturingHandler) WithGroup(string) slog.Handler      { return h }

func (h *capturingHandler) warningsContaining(substr string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var messages []string
	for _, r := range h.records {
		if r.Level >= slog.LevelWarn && strings.Contains(r.Message, substr) {
			messages = append(messages, r.Message)
		}
	}
	return messages
}

func captureLogs(t *testing.T) *capturingHandler {
	t.Helper()
	h := new(capturingHandler)
	SetLogger(slog.New(h))
	t.Cleanup(ResetLogger)
	return h
}

func resetGlobalTracingState(t *testing.T) {
	t.Helper()
	ResetTracingState()
	SetAutoReplaceTraceProcessorOnAdd(false)
	t.Cleanup(func() {
		ResetTracingState()
		SetAutoReplaceTraceProcessorOnAdd(false)
	})
}

// dummyProcessor is an inert processor with an identity.
type dummyProcessor struct {
	name string
}

func (dummyProcessor) OnTraceStart(context.Context, Trace) error { return nil }
func (dummyProcessor) OnTraceEnd(context.Context, Trace) error   { return nil }
func (dummyProcessor) OnSpanStart(context.Context, Span) error   { return nil }
func (dummyProcessor) OnSpanEnd(context.Context, Span) error     { return nil }
func (dummyProcessor) Shutdown(context.Context) error            { return nil }
func (dummyProcessor) ForceFlush(context.Context) error          { return nil }

// recordingProcessor stores the lifecycle events it observes.
type recordingProcessor struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingProcessor) record(event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingProcessor) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingProcessor) OnTraceStart(context.Context, Trace) error { return p.record("trace_start") }
func (p *recordingProcessor) OnTraceEnd(context.Context, Trace) error   { return p.record("trace_end") }
func (p *recordingProcessor) OnSpanStart(context.Context, Span) error   { return p.record("span_start") }
func (p *recordingProcessor) OnSpanEnd(context.Context, Span) error     { return p.record("span_end") }
func (p *recordingProcessor) Shutdown(context.Context) error            { return nil }
func (p *recordingProcessor) ForceFlush(context.Context) error          { return nil }

// failingProcessor fails every hook.
type failingProcessor struct{}

var errProcessorBroken = errors.New("processor broken")

func (failingProcessor) OnTraceStart(context.Context, Trace) error { return errProcessorBroken }
func (failingProcessor) OnTraceEnd(context.Context, Trace) error   { return errProcessorBroken }
func (failingProcessor) OnSpanStart(context.Context, Span) error   { return errProcessorBroken }
func (failingProcessor) OnSpanEnd(context.Context, Span) error     { return errProcessorBroken }
func (failingProcessor) Shutdown(context.Context) error            { return errProcessorBroken }
func (failingProcessor) ForceFlush(context.Context) error          { return errProcessorBroken }

func TestColdStartRegistersDefaultBatchProcessor(t *testing.T) {
	resetGlobalTracingState(t)

	processors := GetTraceProvider().GetProcessors()

	require.Len(t, processors, 1)
	assert.IsType(t, &BatchTraceProcessor{}, processors[0])
	assert.Same(t, DefaultProcessor(), processors[0])
}

func TestAddTraceProcessorKeepsDefaultAndWarnsOnce(t *testing.T) {
	resetGlobalTracingState(t)
	logs := captureLogs(t)
	SetAutoReplaceTraceProcessorOnAdd(false)

	first := &dummyProcessor{name: "first"}
	second := &dummyProcessor{name: "second"}
	AddTraceProcessor(first)
	AddTraceProcessor(second)

	processors := GetTraceProvider().GetProcessors()
	require.Len(t, processors, 3)
	assert.IsType(t, &BatchTraceProcessor{}, processors[0])
	assert.Same(t, first, processors[1])
	assert.Same(t, second, processors[2])

	warnings := logs.warningsContaining("SetAutoReplaceTraceProcessorOnAdd(true)")
	assert.Len(t, warnings, 1)
}

func TestAddTraceProcessorReplacesDefaultWhenOptedIn(t *testing.T) {
	resetGlobalTracingState(t)
	logs := captureLogs(t)
	SetAutoReplaceTraceProcessorOnAdd(true)

	custom := &dummyProcessor{name: "custom"}
	AddTraceProcessor(custom)

	processors := GetTraceProvider().GetProcessors()
	require.Len(t, processors, 1)
	assert.Same(t, custom, processors[0])

	assert.Empty(t, logs.warningsContaining("SetAutoReplaceTraceProcessorOnAdd"))
}

func TestOptedInRepeatedAddDoesNotReintroduceDefault(t *testing.T) {
	resetGlobalTracingState(t)
	SetAutoReplaceTraceProcessorOnAdd(true)

	first := &dummyProcessor{name: "first"}
	second := &dummyProcessor{name: "second"}
	AddTraceProcessor(first)
	AddTraceProcessor(second)

	processors := GetTraceProvider().GetProcessors()
	require.Len(t, processors, 2)
	assert.Same(t, first, processors[0])
	assert.Same(t, second, processors[1])
}

func TestSetProcessorsReplacesListVerbatim(t *testing.T) {
	resetGlobalTracingState(t)

	// Exercise both policy values: neither must survive a full replacement.
	for _, autoReplace := range []bool{false, true} {
		SetAutoReplaceTraceProcessorOnAdd(autoReplace)

		first := &dummyProcessor{name: "first"}
		second := &dummyProcessor{name: "second"}
		SetTraceProcessors([]Processor{first, second})

		processors := GetTraceProvider().GetProcessors()
		require.Len(t, processors, 2)
		assert.Same(t, first, processors[0])
		assert.Same(t, second, processors[1])
	}
}

func TestDisabledTracingDispatchesNoEvents(t *testing.T) {
	t.Setenv("OPENAI_AGENTS_DISABLE_TRACING", "1")
	ctx := t.Context()

	provider := NewDefaultTraceProvider()
	recorder := new(recordingProcessor)
	provider.SetProcessors([]Processor{recorder})

	trace := provider.CreateTrace("disabled", "", "", nil, false)
	require.IsType(t, &TraceImpl{}, trace, "disabling tracing must not change the returned object")
	require.NoError(t, trace.Start(ctx, false))

	span := provider.CreateSpan(ctx, &CustomSpanData{Name: "test_span"}, "", trace, false)
	require.IsType(t, &SpanImpl{}, span)
	require.NoError(t, span.Start(ctx, false))
	require.NoError(t, span.Finish(ctx, false))
	require.NoError(t, trace.Finish(ctx, false))

	assert.Empty(t, recorder.Events())
}

func TestSetDisabledTakesEffectOnNextEvent(t *testing.T) {
	t.Setenv("OPENAI_AGENTS_DISABLE_TRACING", "")
	ctx := t.Context()

	provider := NewDefaultTraceProvider()
	recorder := new(recordingProcessor)
	provider.SetProcessors([]Processor{recorder})

	trace := provider.CreateTrace("toggle", "", "", nil, false)
	require.NoError(t, trace.Start(ctx, false))

	provider.SetDisabled(true)
	span := provider.CreateSpan(ctx, &CustomSpanData{Name: "hidden"}, "", trace, false)
	require.NoError(t, span.Start(ctx, false))
	require.NoError(t, span.Finish(ctx, false))

	provider.SetDisabled(false)
	require.NoError(t, trace.Finish(ctx, false))

	assert.Equal(t, []string{"trace_start", "trace_end"}, recorder.Events())
}

func TestDispatchIsolatesProcessorFailures(t *testing.T) {
	t.Setenv("OPENAI_AGENTS_DISABLE_TRACING", "")
	logs := captureLogs(t)
	ctx := t.Context()

	provider := NewDefaultTraceProvider()
	recorder := new(recordingProcessor)
	provider.SetProcessors([]Processor{failingProcessor{}, recorder})

	trace := provider.CreateTrace("isolation", "", "", nil, false)
	require.NoError(t, trace.Start(ctx, false), "sink failures must not reach the caller")
	require.NoError(t, trace.Finish(ctx, false))

	assert.Equal(t, []string{"trace_start", "trace_end"}, recorder.Events())
	assert.NotEmpty(t, logs.warningsContaining("continuing with remaining processors"))
}

func TestMultiProcessorShutdownAggregatesFailures(t *testing.T) {
	ctx := t.Context()

	multi := NewSynchronousMultiTracingProcessor()
	recorder := new(recordingProcessor)
	multi.AddProcessor(failingProcessor{})
	multi.AddProcessor(recorder)

	err := multi.Shutdown(ctx)
	require.ErrorIs(t, err, errProcessorBroken)

	require.ErrorIs(t, multi.ForceFlush(ctx), errProcessorBroken)
}

func TestMultiProcessorAllowsDuplicateRegistration(t *testing.T) {
	resetGlobalTracingState(t)
	SetAutoReplaceTraceProcessorOnAdd(true)

	p := &dummyProcessor{name: "twice"}
	AddTraceProcessor(p)
	AddTraceProcessor(p)

	processors := GetTraceProvider().GetProcessors()
	require.Len(t, processors, 2)
	assert.Same(t, processors[0], processors[1])
}

func TestResetTracingStateRecreatesProvider(t *testing.T) {
	resetGlobalTracingState(t)

	before := GetTraceProvider()
	assert.Same(t, before, GetTraceProvider())
	defaultBefore := DefaultProcessor()

	ResetTracingState()

	after := GetTraceProvider()
	assert.NotSame(t, before, after)
	assert.NotSame(t, defaultBefore, DefaultProcessor())

	processors := after.GetProcessors()
	require.Len(t, processors, 1)
	assert.IsType(t, &BatchTraceProcessor{}, processors[0])
}
