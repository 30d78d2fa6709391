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

import "errors"

// Lifecycle errors returned to the caller on misuse of Start/Finish.
// They never originate from processors or exporters: sink failures are
// logged and contained within the pipeline.
var (
	// ErrAlreadyStarted is returned by Start on a trace or span which was
	// already started.
	ErrAlreadyStarted = errors.New("tracing: already started")

	// ErrNotStarted is returned by Finish on a trace or span which was
	// never started.
	ErrNotStarted = errors.New("tracing: not started")

	// ErrAlreadyFinished is returned by Finish on a trace or span which was
	// already finished.
	ErrAlreadyFinished = errors.New("tracing: already finished")
)
