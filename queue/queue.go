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

package queue

import (
	"time"

	"github.com/blinklabs-io/boa/event"
)

// Status is the delivery state of a queue entry
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRateChecking   Status = "rate_checking"
	StatusSending        Status = "sending"
	StatusRetrying       Status = "retrying"
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
	StatusDeadLetter     Status = "dead_letter"
	StatusCircuitBlocked Status = "circuit_blocked"
)

// ErrInfo records the classified reason for the most recent failure
type ErrInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Entry owns an event plus its delivery state. There is exactly one
// entry per correlation ID; fragments of an oversized event are separate
// entries sharing a fragment group ID.
type Entry struct {
	Event         event.Event `json:"event"`
	Status        Status      `json:"status"`
	Attempt       int         `json:"attempt"`
	NextAttemptAt time.Time   `json:"next_attempt_at,omitempty"`
	LastError     *ErrInfo    `json:"last_error,omitempty"`

	// Fragment bookkeeping; zero values for whole events
	FragmentGroupID string `json:"fragment_group_id,omitempty"`
	FragmentSeq     int    `json:"fragment_seq,omitempty"`
	FragmentTotal   int    `json:"fragment_total,omitempty"`
	FragmentBody    []byte `json:"fragment_body,omitempty"`

	ReservedAt time.Time `json:"reserved_at,omitempty"`
	FirstSeen  time.Time `json:"first_seen,omitempty"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// CorrelationID returns the pipeline identity of the entry
func (e *Entry) CorrelationID() string {
	return e.Event.CorrelationID
}

// Schedule carries the state update applied by a Nack
type Schedule struct {
	Status        Status
	Attempt       int
	NextAttemptAt time.Time
	LastError     *ErrInfo
}

// Recovered describes a stale reservation returned to the queue by the
// startup recovery sweep
type Recovered struct {
	CorrelationID string
	Attempt       int
	ReservedAt    time.Time
}

// Config holds queue sizing parameters
type Config struct {
	MaxActive      int
	ReservationTTL time.Duration
	MaxDeadLetters int
}

// DefaultConfig returns the standard queue parameters
func DefaultConfig() Config {
	return Config{
		MaxActive:      10_000,
		ReservationTTL: 5 * time.Minute,
		MaxDeadLetters: 1_000,
	}
}
