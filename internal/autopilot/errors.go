// Copyright 2025 Tom Barlow
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

package autopilot

import (
	"errors"

	conductorerrors "github.com/tombee/rover-autopilot/pkg/errors"
)

// ErrorKind classifies a failure by the recovery action a stage must take.
type ErrorKind string

const (
	// ErrorKindTransient means leave the PendingAction in place; the next
	// tick retries.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindTraceFatal means fail the current trace: mark the span
	// error, drop the PendingAction, mark the trace terminal-failed.
	ErrorKindTraceFatal ErrorKind = "trace_fatal"

	// ErrorKindSystemFatal means abort the process; never partially start.
	ErrorKindSystemFatal ErrorKind = "system_fatal"
)

// Classify maps any error returned by a stage or adapter call to the
// recovery action the runtime should take, per the error handling design:
// transient I/O is retried, invariant violations fail the trace, and only
// directory/permission failures at startup abort the process.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindTransient
	}

	var transient *conductorerrors.TransientError
	var traceFatal *conductorerrors.TraceFatalError
	var systemFatal *conductorerrors.SystemFatalError
	var timeout *conductorerrors.TimeoutError
	var provider *conductorerrors.ProviderError

	switch {
	case errors.As(err, &systemFatal):
		return ErrorKindSystemFatal
	case errors.As(err, &traceFatal):
		return ErrorKindTraceFatal
	case errors.As(err, &transient):
		return ErrorKindTransient
	case errors.As(err, &timeout):
		return ErrorKindTransient
	case errors.As(err, &provider):
		return ErrorKindTransient
	default:
		// Unclassified errors (parse errors, adapter failures without a
		// typed wrapper) default to transient: a stage that swallows an
		// error it doesn't recognize should retry, not silently fail a
		// trace.
		return ErrorKindTransient
	}
}
