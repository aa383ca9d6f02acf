// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// ErrorCode classifies an SWD stack error. The split mirrors the four result
// variants every layer propagates: Wait is the only recoverable code, the
// Argument codes are caller bugs and are never retried, everything else is a
// hard failure surfaced to the tool.
type ErrorCode int

const (
	ErrorOK    ErrorCode = 0
	ErrorWait  ErrorCode = -1 // target replied WAIT; retry with a budget
	ErrorFault ErrorCode = -2 // target replied FAULT
	// ErrorProtocol covers unexpected ACK patterns and data parity
	// mismatches: the line is out of sync and needs an SWD line reset.
	ErrorProtocol ErrorCode = -3
	ErrorArgument ErrorCode = -4 // caller precondition violated
	ErrorTimeout  ErrorCode = -5 // byte pipe deadline expired
)

// SwdError carries an ErrorCode through the juju/errors annotation chain.
type SwdError struct {
	errorString string
	Code        ErrorCode
}

func (e *SwdError) Error() string {
	return e.errorString
}

func NewSwdError(code ErrorCode, format string, args ...interface{}) error {
	return &SwdError{fmt.Sprintf(format, args...), code}
}

func codeOf(err error) ErrorCode {
	if err == nil {
		return ErrorOK
	}
	if swdErr, ok := errors.Cause(err).(*SwdError); ok {
		return swdErr.Code
	}
	return ErrorProtocol
}

// IsWait reports whether err is a WAIT response, possibly annotated.
func IsWait(err error) bool {
	return err != nil && codeOf(err) == ErrorWait
}

// IsFault reports whether err is a FAULT response, possibly annotated.
func IsFault(err error) bool {
	return err != nil && codeOf(err) == ErrorFault
}

// IsArgument reports whether err is a caller precondition violation.
func IsArgument(err error) bool {
	return err != nil && codeOf(err) == ErrorArgument
}

// IsTimeout reports whether err is a byte pipe deadline expiry. Timeouts are
// reported distinctly from SWD WAIT/FAULT so the tool can tell a wedged
// adapter from a busy target.
func IsTimeout(err error) bool {
	return err != nil && codeOf(err) == ErrorTimeout
}

// Default retry budgets. DAP operations stall briefly while an AP transaction
// is in flight; halt polling covers a full core reset.
const (
	DapRetryBudget  = 100
	HaltRetryBudget = 1000
	RetryPollPeriod = time.Millisecond
)

// retryWait runs op until it stops returning WAIT, for at most budget
// attempts with a fixed sleep in between. Non-WAIT errors pass through
// untouched; an exhausted budget converts the WAIT into a hard failure.
func retryWait(budget int, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()

		if !IsWait(err) {
			return err
		}

		if attempt >= budget {
			return errors.Annotatef(
				NewSwdError(ErrorFault, "still waiting after %d attempts", attempt),
				"retry budget exhausted")
		}

		logger.Tracef("WAIT response, retry %d of %d", attempt, budget)
		time.Sleep(RetryPollPeriod)
	}
}
