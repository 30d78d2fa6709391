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
	"sync"
	"sync/atomic"
)

var (
	globalMu            sync.Mutex
	globalTraceProvider TraceProvider

	autoReplaceOnAdd atomic.Bool
)

// GetTraceProvider returns the global trace provider used by tracing
// utilities, creating it on first access. A freshly created provider has
// exactly one registered processor: the default batching processor, which
// exports traces and spans to the backend.
func GetTraceProvider() TraceProvider {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalTraceProvider == nil {
		provider := NewDefaultTraceProvider()
		provider.multiProcessor.setDefaultProcessor(DefaultProcessor())
		globalTraceProvider = provider
	}
	return globalTraceProvider
}

// SetTraceProvider sets the global trace provider used by tracing utilities.
// A nil value is ignored.
func SetTraceProvider(provider TraceProvider) {
	if provider == nil {
		return
	}
	globalMu.Lock()
	globalTraceProvider = provider
	globalMu.Unlock()
}

// SetAutoReplaceTraceProcessorOnAdd sets whether adding a trace processor
// replaces the default batching processor instead of running alongside it.
// The policy takes effect on the next AddTraceProcessor call; it is not
// retroactive.
func SetAutoReplaceTraceProcessorOnAdd(replace bool) {
	autoReplaceOnAdd.Store(replace)
}

// AutoReplaceTraceProcessorOnAdd reports whether adding a trace processor
// replaces the default batching processor.
func AutoReplaceTraceProcessorOnAdd() bool {
	return autoReplaceOnAdd.Load()
}

// ResetTracingState discards the global trace provider together with the
// default exporter and processor, so the next access recreates them from
// scratch. It is intended for tests only.
func ResetTracingState() {
	globalMu.Lock()
	globalTraceProvider = nil
	globalMu.Unlock()

	resetDefaultProcessorAndExporter()
}
