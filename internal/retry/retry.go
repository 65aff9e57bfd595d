/*
Mailmirror - one-way IMAP mailbox replication tool.
Copyright © 2024 Max Mazurov <fox.cpp@disroot.org>, Mailmirror contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package retry implements bounded-attempt exponential backoff over
// transient faults.
package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/foxcpp/mailmirror/framework/exterrors"
	"github.com/foxcpp/mailmirror/framework/log"
)

// Policy describes how an operation is retried. The delay starts at
// BaseDelay and doubles after each failed attempt. No jitter is applied,
// cycles are long-lived polling passes and do not thunder-herd.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Log         log.Logger

	// Sleep is replaced in tests. nil means time.Sleep.
	Sleep func(time.Duration)
}

// Do runs fn up to MaxAttempts times, sleeping between attempts.
//
// Only transient faults are retried: errors explicitly marked with
// exterrors.WithTemporary (the transport and token clients wrap all their
// failures this way), net.Error values and I/O deadline expirations.
// Anything else propagates immediately. After the last attempt the last
// error is returned as-is.
func (p Policy) Do(op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) || attempt == attempts {
			return lastErr
		}

		p.Log.Msg("operation_retryable_error",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"reason", lastErr.Error(),
		)
		sleep(delay)
		delay *= 2
	}
}

// Retryable classifies err as a transient fault.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if exterrors.IsTemporary(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
