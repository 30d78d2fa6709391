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

// Package tracing turns trace and span lifecycle events into structured
// records delivered, asynchronously and in batches, to one or more
// registered processors. It works with zero configuration: the first access
// to the global provider registers a default batching processor which
// exports to the backend. You can change the default behavior by either:
//  1. calling AddTraceProcessor, which adds additional processors, or
//  2. calling SetTraceProcessors, which replaces the default processor, or
//  3. opting in to SetAutoReplaceTraceProcessorOnAdd, after which the first
//     AddTraceProcessor call replaces the default processor.
package tracing

// AddTraceProcessor adds a new trace processor.
// This processor will receive all traces/spans.
func AddTraceProcessor(spanProcessor Processor) {
	GetTraceProvider().RegisterProcessor(spanProcessor)
}

// SetTraceProcessors sets the list of trace processors.
// This will replace the current list of processors.
func SetTraceProcessors(processors []Processor) {
	GetTraceProvider().SetProcessors(processors)
}

// SetTracingDisabled sets whether tracing is globally disabled.
// Disabling tracing does not change the shape of the API: traces and spans
// are still created and still transition through their lifecycle, but no
// processor is notified until tracing is enabled again.
func SetTracingDisabled(disabled bool) {
	GetTraceProvider().SetDisabled(disabled)
}

// SetTracingExportAPIKey sets the OpenAI API key for the backend exporter.
func SetTracingExportAPIKey(apiKey string) {
	DefaultExporter().SetAPIKey(apiKey)
}
