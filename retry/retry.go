// Copyright 2025 Blink Labs Software
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

package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"syscall"
	"time"
)

// Kind classifies a delivery outcome. Kinds decide whether an attempt is
// retried, dead-lettered, or handled upstream of the queue entirely.
type Kind string

const (
	KindNone                   Kind = ""
	KindValidationFailed       Kind = "ValidationFailed"
	KindDuplicateEvent         Kind = "DuplicateEvent"
	KindQueueSaturated         Kind = "QueueSaturated"
	KindRateLimiterUnavailable Kind = "RateLimiterUnavailable"
	KindCircuitBlocked         Kind = "CircuitBlocked"
	KindTransportTimeout       Kind = "TransportTimeout"
	KindTransportReset         Kind = "TransportReset"
	KindHTTPServerError        Kind = "HttpServerError"
	KindHTTPTooManyRequests    Kind = "HttpTooManyRequests"
	KindHTTPClientError        Kind = "HttpClientError"
	KindAuthFailure            Kind = "AuthFailure"
	KindPayloadRejected        Kind = "PayloadRejected"
	KindFragmentIntegrity      Kind = "FragmentIntegrity"
	KindFragmentTimeout        Kind = "FragmentTimeout"
	KindPersistenceFailure     Kind = "PersistenceFailure"
	KindShutdownInProgress     Kind = "ShutdownInProgress"
)

// Retryable reports whether an outcome of this kind may be attempted again
func (k Kind) Retryable() bool {
	switch k {
	case KindTransportTimeout,
		KindTransportReset,
		KindHTTPServerError,
		KindHTTPTooManyRequests,
		KindRateLimiterUnavailable,
		KindCircuitBlocked,
		KindPersistenceFailure,
		KindQueueSaturated:
		return true
	default:
		return false
	}
}

// CountsAsFailure reports whether the outcome feeds the circuit breaker's
// failure window. Caller errors (non-retryable) and fast-fails from the
// breaker itself do not.
func (k Kind) CountsAsFailure() bool {
	return k.Retryable() && k != KindCircuitBlocked
}

// Error is a classified delivery error. RetryAfter carries the server's
// backpressure hint when the outcome was a 429.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification kind
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify maps an arbitrary error from the sender to an outcome kind.
// Errors already carrying a kind pass through; transport errors are
// detected from the net error chain; anything else is treated as a
// transient server-side failure.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransportTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransportTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransportReset
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// Resolver failures are transient
		return KindTransportTimeout
	}
	return KindHTTPServerError
}

// RetryAfterHint extracts the server's retry-after hint from an error
// chain, or zero when none is present
func RetryAfterHint(err error) time.Duration {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.RetryAfter
	}
	return 0
}

// Policy holds the backoff schedule parameters
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
}

// DefaultPolicy returns the standard delivery retry schedule
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2.0,
		Jitter:      0.1,
	}
}

// Delay computes the backoff before attempt n (1-indexed). A non-zero
// retryAfter hint overrides the computed delay, bounded by MaxDelay.
func (p Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, p.MaxDelay)
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	backoff = math.Min(backoff, float64(p.MaxDelay))
	// Spread retries with jitter in [-Jitter, +Jitter]
	jitter := 1 + p.Jitter*(2*rand.Float64()-1)
	return time.Duration(backoff * jitter)
}

// Exhausted reports whether the attempt budget is spent
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
