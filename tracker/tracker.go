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

package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/boa/plugin"
)

// Statuses recorded beyond the queue entry states
const (
	StatusRecovered = "recovered"
)

// ErrTraceNotFound is returned when no trace exists for a correlation ID
var ErrTraceNotFound = errors.New("trace not found")

// Record is one lifecycle transition of a tracked delivery
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// Trace is the ordered transition history for one correlation ID. It is
// immutable once the delivery reaches a terminal status.
type Trace struct {
	CorrelationID string    `json:"correlation_id"`
	Records       []Record  `json:"records"`
	Terminal      bool      `json:"terminal"`
	QueuedAt      time.Time `json:"queued_at,omitempty"`
}

// Archiver stores completed traces durably. Implemented by the queue
// store.
type Archiver interface {
	ArchiveTrace(correlationID string, trace json.RawMessage) error
	GetArchivedTrace(correlationID string) (json.RawMessage, error)
}

type transition struct {
	correlationID string
	status        string
	detail        string
	at            time.Time
}

// Tracker assigns lifecycle history to correlation IDs and maintains
// constant-time delivery aggregates. Transitions are applied out of
// band: recording never blocks the delivery path, and a saturated
// tracker drops transitions (counted) rather than stall a worker.
type Tracker struct {
	metrics  *Metrics
	archiver Archiver
	logger   plugin.Logger
	now      func() time.Time

	mu     sync.RWMutex
	traces map[string]*Trace

	transitions chan transition
	doneChan    chan struct{}
	wg          sync.WaitGroup
	stopOnce    sync.Once

	rate deliveryRate
}

// OptionFunc configures a Tracker
type OptionFunc func(*Tracker)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger plugin.Logger) OptionFunc {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithArchiver stores terminal traces through the given archiver
func WithArchiver(a Archiver) OptionFunc {
	return func(t *Tracker) {
		t.archiver = a
	}
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) OptionFunc {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker publishing aggregates through the given metrics
func New(metrics *Metrics, opts ...OptionFunc) *Tracker {
	t := &Tracker{
		metrics: metrics,
		now:     time.Now,
		traces:  make(map[string]*Trace),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the transition applier
func (t *Tracker) Start() error {
	t.transitions = make(chan transition, 1024)
	t.doneChan = make(chan struct{})
	t.stopOnce = sync.Once{}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.doneChan:
				// Drain whatever is already queued before exiting
				for {
					select {
					case tr := <-t.transitions:
						t.apply(tr)
					default:
						return
					}
				}
			case tr := <-t.transitions:
				t.apply(tr)
			}
		}
	}()
	return nil
}

// Stop shuts down the applier after draining pending transitions
func (t *Tracker) Stop() error {
	t.stopOnce.Do(func() {
		if t.doneChan != nil {
			close(t.doneChan)
		}
		t.wg.Wait()
	})
	return nil
}

// Record appends a lifecycle transition for a correlation ID. It never
// blocks: when the tracker can't keep up the transition is dropped and
// counted.
func (t *Tracker) Record(correlationID, status, detail string) {
	tr := transition{
		correlationID: correlationID,
		status:        status,
		detail:        detail,
		at:            t.now().UTC(),
	}
	select {
	case t.transitions <- tr:
	default:
		if t.metrics != nil {
			t.metrics.DroppedTransitions.Inc()
		}
	}
}

func (t *Tracker) apply(tr transition) {
	t.mu.Lock()
	trace, ok := t.traces[tr.correlationID]
	if !ok {
		trace = &Trace{CorrelationID: tr.correlationID}
		t.traces[tr.correlationID] = trace
	}
	if trace.Terminal {
		// Completed traces are immutable
		t.mu.Unlock()
		return
	}
	trace.Records = append(trace.Records, Record{
		Timestamp: tr.at,
		Status:    tr.status,
		Detail:    tr.detail,
	})
	if tr.status == "queued" && trace.QueuedAt.IsZero() {
		trace.QueuedAt = tr.at
	}
	terminal := tr.status == "delivered" ||
		tr.status == "dead_letter" ||
		tr.status == "fragmented"
	if terminal {
		trace.Terminal = true
	}
	queuedAt := trace.QueuedAt
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.Transitions.WithLabelValues(tr.status).Inc()
		if tr.status == "delivered" {
			t.rate.mark(tr.at)
			if !queuedAt.IsZero() {
				t.metrics.DeliveryLatency.Observe(
					tr.at.Sub(queuedAt).Seconds(),
				)
			}
		}
	}
	if terminal {
		t.archive(tr.correlationID)
	}
}

// archive moves a terminal trace out of memory into the durable store
func (t *Tracker) archive(correlationID string) {
	t.mu.Lock()
	trace := t.traces[correlationID]
	delete(t.traces, correlationID)
	t.mu.Unlock()
	if trace == nil || t.archiver == nil {
		return
	}
	data, err := json.Marshal(trace)
	if err != nil {
		if t.logger != nil {
			t.logger.Error(
				fmt.Sprintf("failed to encode trace: %s", err),
				"correlation_id", correlationID,
			)
		}
		return
	}
	if err := t.archiver.ArchiveTrace(correlationID, data); err != nil {
		// Archival failure loses history, never delivery
		if t.logger != nil {
			t.logger.Error(
				fmt.Sprintf("failed to archive trace: %s", err),
				"correlation_id", correlationID,
			)
		}
	}
}

// Trace returns the transition history for a correlation ID, falling
// back to the archive for completed deliveries
func (t *Tracker) Trace(correlationID string) (*Trace, error) {
	t.mu.RLock()
	trace, ok := t.traces[correlationID]
	if ok {
		// Copy under the lock so callers can't race the applier
		cp := *trace
		cp.Records = append([]Record{}, trace.Records...)
		t.mu.RUnlock()
		return &cp, nil
	}
	t.mu.RUnlock()

	if t.archiver == nil {
		return nil, ErrTraceNotFound
	}
	data, err := t.archiver.GetArchivedTrace(correlationID)
	if err != nil {
		return nil, ErrTraceNotFound
	}
	var archived Trace
	if err := json.Unmarshal(data, &archived); err != nil {
		return nil, fmt.Errorf("failed to decode archived trace: %w", err)
	}
	return &archived, nil
}

// ActiveTraces reports the number of in-memory (incomplete) traces
func (t *Tracker) ActiveTraces() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.traces)
}

// DeliveryRate reports deliveries per second over the rolling window
func (t *Tracker) DeliveryRate() float64 {
	return t.rate.perSecond(t.now().UTC())
}

// deliveryRate is a 60-second ring of per-second delivery counts
type deliveryRate struct {
	mu      sync.Mutex
	buckets [60]struct {
		second int64
		count  int64
	}
}

func (r *deliveryRate) mark(at time.Time) {
	sec := at.Unix()
	idx := int(sec % 60)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buckets[idx].second != sec {
		r.buckets[idx].second = sec
		r.buckets[idx].count = 0
	}
	r.buckets[idx].count++
}

func (r *deliveryRate) perSecond(now time.Time) float64 {
	cutoff := now.Unix() - 60
	var total int64
	r.mu.Lock()
	for _, b := range r.buckets {
		if b.second > cutoff {
			total += b.count
		}
	}
	r.mu.Unlock()
	return float64(total) / 60
}
