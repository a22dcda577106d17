// retry.go - Shared retry logic with exponential backoff.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides the reconnect backoff policy used by the tunnel
// state machine.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Default retry configuration constants
const (
	// DefaultMaxAttempts is the default maximum number of connection
	// attempts; zero means retry forever.
	DefaultMaxAttempts = 0

	// DefaultBaseDelay is the default base delay between attempts.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between attempts.
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt uint32) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		jitterFactor := 1 - jitter + rand.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// Policy describes how many connection attempts are made and how far apart.
type Policy struct {
	// MaxAttempts bounds the number of attempts, zero is unbounded.
	MaxAttempts uint32
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns the unbounded default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Allows reports whether the zero based attempt may be made.
func (p Policy) Allows(attempt uint32) bool {
	return p.MaxAttempts == 0 || attempt < p.MaxAttempts
}

// Backoff returns the delay before the zero based attempt.  The first
// attempt is never delayed.
func (p Policy) Backoff(attempt uint32) time.Duration {
	if attempt == 0 {
		return 0
	}
	return Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt-1)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"eof",
		"broken pipe",
		"connection closed",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}
