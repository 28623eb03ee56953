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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/boa/breaker"
	"github.com/blinklabs-io/boa/event"
	"github.com/blinklabs-io/boa/fragment"
	"github.com/blinklabs-io/boa/plugin"
	"github.com/blinklabs-io/boa/queue"
	"github.com/blinklabs-io/boa/ratelimit"
	"github.com/blinklabs-io/boa/retry"
	"github.com/blinklabs-io/boa/tracker"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultWorkers         = 5
	defaultShutdownTimeout = 30 * time.Second

	// reservePollInterval paces idle workers
	reservePollInterval = 100 * time.Millisecond
	// saturationRetryInterval paces the enqueue loop while the queue is
	// full, which backpressures intake through its bounded channel
	saturationRetryInterval = 500 * time.Millisecond
)

// Sender delivers one rendered message to a chat. Implemented by the
// output plugins.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Renderer formats an event for delivery
type Renderer interface {
	Render(evt event.Event) (string, error)
}

// OutputPlugin is a sender with a plugin lifecycle
type OutputPlugin interface {
	plugin.Plugin
	Sender
}

// Pipeline wires the intake plugin through the persistent queue to the
// output sender, coordinating the rate limiter, circuit breaker and
// retry engine per delivery, and reporting every transition to the
// tracker.
type Pipeline struct {
	input   plugin.Plugin
	filters []plugin.Plugin
	output  OutputPlugin

	logger   plugin.Logger
	store    *queue.Store
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	tracker  *tracker.Tracker
	renderer Renderer
	policy   retry.Policy
	fragCfg  fragment.Config

	workers         int
	shutdownTimeout time.Duration
	traceRetention  time.Duration

	filterChan chan event.Event
	outputChan chan event.Event
	errorChan  chan error
	doneChan   chan struct{}
	sendCtx    context.Context
	cancelSend context.CancelFunc
	wg         sync.WaitGroup
	workerWg   sync.WaitGroup
	stopOnce   sync.Once

	ready   atomic.Bool
	stalled atomic.Bool
}

// New creates a Pipeline with the given delivery machinery
func New(opts ...PipelineOptionFunc) *Pipeline {
	p := &Pipeline{
		filterChan:      make(chan event.Event),
		outputChan:      make(chan event.Event),
		errorChan:       make(chan error),
		doneChan:        make(chan struct{}),
		policy:          retry.DefaultPolicy(),
		fragCfg:         fragment.DefaultConfig(),
		workers:         defaultWorkers,
		shutdownTimeout: defaultShutdownTimeout,
		traceRetention:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddInput sets the intake plugin feeding the queue
func (p *Pipeline) AddInput(input plugin.Plugin) {
	p.input = input
}

// AddFilter appends a filter plugin between intake and the queue
func (p *Pipeline) AddFilter(filter plugin.Plugin) {
	p.filters = append(p.filters, filter)
}

// AddOutput sets the delivery sender
func (p *Pipeline) AddOutput(output OutputPlugin) {
	p.output = output
}

// ErrorChan returns the pipeline's fatal error channel
func (p *Pipeline) ErrorChan() chan error {
	return p.errorChan
}

// Ready reports whether intake is started and crash recovery completed
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

// Stalled reports whether the pipeline has suspended reservations due
// to persistence failures
func (p *Pipeline) Stalled() bool {
	return p.stalled.Load()
}

// Start runs crash recovery, starts the configured plugins and launches
// the delivery workers
func (p *Pipeline) Start() error {
	if p.input == nil {
		return errors.New("pipeline requires an input")
	}
	if p.output == nil {
		return errors.New("pipeline requires an output")
	}
	if p.store == nil || p.limiter == nil || p.breaker == nil ||
		p.tracker == nil || p.renderer == nil {
		return errors.New("pipeline is missing delivery machinery")
	}

	p.sendCtx, p.cancelSend = context.WithCancel(context.Background())

	// Reclaim reservations abandoned by a previous process before any
	// worker starts reserving
	recovered, err := p.store.RecoverStale()
	if err != nil {
		return fmt.Errorf("failed to recover stale reservations: %w", err)
	}
	for _, rec := range recovered {
		p.tracker.Record(
			rec.CorrelationID,
			tracker.StatusRecovered,
			fmt.Sprintf("reservation reclaimed, attempt %d", rec.Attempt),
		)
	}
	if len(recovered) > 0 && p.logger != nil {
		p.logger.Info(fmt.Sprintf(
			"recovered %d stale reservations",
			len(recovered),
		))
	}

	// Start output first so deliveries can flow as soon as workers run
	if err := p.output.Start(); err != nil {
		return fmt.Errorf("failed to start output: %w", err)
	}
	go p.errorChanWait(p.output.ErrorChan())

	// Start filters
	for idx, filter := range p.filters {
		if err := filter.Start(); err != nil {
			return fmt.Errorf("failed to start filter: %w", err)
		}
		p.wg.Add(1)
		if idx == 0 {
			go p.chanCopyLoop(p.filterChan, filter.InputChan())
		} else {
			go p.chanCopyLoop(p.filters[idx-1].OutputChan(), filter.InputChan())
		}
		if idx == len(p.filters)-1 {
			p.wg.Add(1)
			go p.chanCopyLoop(filter.OutputChan(), p.outputChan)
		}
		go p.errorChanWait(filter.ErrorChan())
	}
	if len(p.filters) == 0 {
		p.wg.Add(1)
		go p.chanCopyLoop(p.filterChan, p.outputChan)
	}

	// Start input
	if err := p.input.Start(); err != nil {
		return fmt.Errorf("failed to start input: %w", err)
	}
	p.wg.Add(1)
	go p.chanCopyLoop(p.input.OutputChan(), p.filterChan)
	go p.errorChanWait(p.input.ErrorChan())

	p.wg.Add(1)
	go p.enqueueLoop()

	for i := range p.workers {
		p.workerWg.Add(1)
		go p.workerLoop(i)
	}

	p.wg.Add(1)
	go p.janitorLoop()

	p.ready.Store(true)
	return nil
}

// Stop shuts down the pipeline: workers stop picking new work, in-flight
// sends run to completion within the graceful timeout, then are
// cancelled
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.ready.Store(false)
		close(p.doneChan)

		// Give in-flight deliveries a chance to finish cleanly
		workersDone := make(chan struct{})
		go func() {
			p.workerWg.Wait()
			close(workersDone)
		}()
		select {
		case <-workersDone:
		case <-time.After(p.shutdownTimeout):
			if p.logger != nil {
				p.logger.Warn("graceful shutdown timed out, cancelling in-flight sends")
			}
			if p.cancelSend != nil {
				p.cancelSend()
			}
			<-workersDone
		}
		if p.cancelSend != nil {
			p.cancelSend()
		}
		p.wg.Wait()

		// Stop plugins before closing shared channels
		if p.input != nil {
			_ = p.input.Stop()
		}
		for _, filter := range p.filters {
			_ = filter.Stop()
		}
		if p.output != nil {
			_ = p.output.Stop()
		}
		close(p.errorChan)
		close(p.filterChan)
		close(p.outputChan)
	})
	return nil
}

// chanCopyLoop is a generic function for reading an event from one channel and writing it to another in a loop
func (p *Pipeline) chanCopyLoop(
	input <-chan event.Event,
	output chan<- event.Event,
) {
	defer p.wg.Done()
	for {
		select {
		case <-p.doneChan:
			return
		case evt, ok := <-input:
			if ok {
				// Copy input event to output chan
				select {
				case <-p.doneChan:
					return
				case output <- evt:
				}
			}
		}
	}
}

// errorChanWait reads from a plugin error channel. A plugin error is
// fatal: it's copied to the pipeline error channel and the pipeline
// stopped.
func (p *Pipeline) errorChanWait(errorChan <-chan error) {
	err, ok := <-errorChan
	if ok {
		select {
		case p.errorChan <- err:
		case <-p.doneChan:
		}
		_ = p.Stop()
	}
}

// enqueueLoop drains validated intake events into the persistent queue,
// honouring saturation backpressure
func (p *Pipeline) enqueueLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.doneChan:
			return
		case evt, ok := <-p.outputChan:
			if !ok {
				return
			}
			p.enqueueEvent(evt)
		}
	}
}

func (p *Pipeline) enqueueEvent(evt event.Event) {
	entry := &queue.Entry{Event: evt}
	for {
		err := p.withPersistence(func() error {
			err := p.store.Enqueue(entry)
			if errors.Is(err, queue.ErrSaturated) ||
				errors.Is(err, queue.ErrDuplicate) {
				// Not a persistence fault; handled by the caller
				return backoff.Permanent(err)
			}
			return err
		})
		switch {
		case err == nil:
			p.tracker.Record(
				evt.CorrelationID,
				string(queue.StatusQueued),
				"priority "+evt.Priority.String(),
			)
			return
		case errors.Is(err, queue.ErrDuplicate):
			if p.logger != nil {
				p.logger.Warn("dropping duplicate correlation ID",
					"correlation_id", evt.CorrelationID,
				)
			}
			return
		case errors.Is(err, queue.ErrSaturated):
			// Delay and retry; intake stays blocked on its channel
			select {
			case <-p.doneChan:
				return
			case <-time.After(saturationRetryInterval):
			}
		default:
			// Persistence retry gave up (shutdown)
			return
		}
	}
}

// workerSlot pins a chat to one worker so per-chat ordering holds and
// the per-chat bucket never serialises across workers
func workerSlot(chatID int64, workers int) int {
	h := fnv.New32a()
	var buf [8]byte
	for i := range 8 {
		buf[i] = byte(chatID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return int(h.Sum32()) % workers
}

// workerLoop reserves and processes entries pinned to this worker's slot
func (p *Pipeline) workerLoop(slot int) {
	defer p.workerWg.Done()
	accept := func(chatID int64) bool {
		return workerSlot(chatID, p.workers) == slot
	}
	for {
		select {
		case <-p.doneChan:
			return
		default:
		}

		var entry *queue.Entry
		err := p.withPersistence(func() error {
			var err error
			entry, err = p.store.Reserve(accept)
			return err
		})
		if err != nil {
			// Persistence retry gave up (shutdown)
			return
		}
		if entry == nil {
			select {
			case <-p.doneChan:
				return
			case <-time.After(reservePollInterval):
			}
			continue
		}
		p.processEntry(entry)
	}
}

// processEntry runs one delivery cycle for a reserved entry
func (p *Pipeline) processEntry(entry *queue.Entry) {
	correlationID := entry.CorrelationID()
	chatID := entry.Event.TargetChat
	target := "chat:" + strconv.FormatInt(chatID, 10)

	// Rate limiting; a shutdown mid-wait returns the entry to the queue
	p.tracker.Record(correlationID, string(queue.StatusRateChecking), "")
	ctx, cancel := p.entryContext()
	err := p.limiter.Acquire(ctx, chatID)
	cancel()
	if err != nil {
		p.requeue(entry, queue.StatusQueued, "shutdown during rate check")
		return
	}

	p.tracker.Record(correlationID, string(queue.StatusSending), "")

	// Render (fragments carry their pre-rendered body)
	text, renderErr := p.renderEntry(entry)
	if renderErr != nil {
		p.deadLetter(entry, retry.KindPayloadRejected, renderErr.Error())
		return
	}

	// Oversized renderings split into fragment entries; the parent is
	// acked once its fragments are queued
	if entry.FragmentGroupID == "" && p.fragCfg.Oversize([]byte(text)) {
		p.fragmentEntry(entry, []byte(text))
		return
	}

	sendCtx, cancelSend := p.entryContext()
	sendErr := p.breaker.Guard(target, func() error {
		return p.output.Send(sendCtx, chatID, text)
	})
	cancelSend()

	p.settle(entry, sendErr)
}

// entryContext derives a context cancelled on forced shutdown
func (p *Pipeline) entryContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(p.sendCtx)
}

func (p *Pipeline) renderEntry(entry *queue.Entry) (string, error) {
	if entry.FragmentGroupID != "" {
		return string(entry.FragmentBody), nil
	}
	return p.renderer.Render(entry.Event)
}

// fragmentEntry splits an oversized rendering into fragment entries that
// share the parent's priority and enqueue slot
func (p *Pipeline) fragmentEntry(entry *queue.Entry, body []byte) {
	correlationID := entry.CorrelationID()
	fragments, err := fragment.Split(p.fragCfg, body)
	if err != nil {
		p.deadLetter(entry, retry.KindPayloadRejected, err.Error())
		return
	}

	for _, frag := range fragments {
		fragEvent := entry.Event
		fragEvent.CorrelationID = fmt.Sprintf(
			"%s-f%d",
			correlationID,
			frag.Sequence,
		)
		fragEntry := &queue.Entry{
			Event:           fragEvent,
			FragmentGroupID: frag.GroupID,
			FragmentSeq:     frag.Sequence,
			FragmentTotal:   frag.Total,
		}
		// Queue entries carry the plain chunk; compression only serves
		// the manifest/transfer representation
		raw, err := frag.Body()
		if err != nil {
			p.deadLetter(entry, retry.KindFragmentIntegrity, err.Error())
			return
		}
		fragEntry.FragmentBody = raw
		if err := p.withPersistence(func() error {
			return p.store.Enqueue(fragEntry)
		}); err != nil {
			p.deadLetter(entry, retry.KindPersistenceFailure, err.Error())
			return
		}
		p.tracker.Record(
			fragEntry.CorrelationID(),
			string(queue.StatusQueued),
			fmt.Sprintf(
				"fragment %d/%d of group %s",
				frag.Sequence+1,
				frag.Total,
				frag.GroupID,
			),
		)
	}

	if err := p.withPersistence(func() error {
		return p.store.Ack(correlationID)
	}); err != nil {
		return
	}
	p.tracker.Record(
		correlationID,
		"fragmented",
		fmt.Sprintf(
			"split into %d fragments, group %s",
			len(fragments),
			fragments[0].GroupID,
		),
	)
}

// settle applies the retry engine's verdict for a completed send
func (p *Pipeline) settle(entry *queue.Entry, sendErr error) {
	correlationID := entry.CorrelationID()

	if sendErr == nil {
		if err := p.withPersistence(func() error {
			return p.store.Ack(correlationID)
		}); err != nil {
			return
		}
		p.tracker.Record(correlationID, string(queue.StatusDelivered), "")
		return
	}

	kind := retry.Classify(sendErr)
	switch {
	case kind == retry.KindCircuitBlocked:
		// Fail fast without consuming the attempt budget; the breaker's
		// hint paces the next try
		delay := retry.RetryAfterHint(sendErr)
		if delay <= 0 {
			delay = p.policy.Delay(entry.Attempt+1, 0)
		}
		p.tracker.Record(
			correlationID,
			string(queue.StatusCircuitBlocked),
			sendErr.Error(),
		)
		p.nack(entry, queue.Schedule{
			Status:        queue.StatusCircuitBlocked,
			Attempt:       entry.Attempt,
			NextAttemptAt: time.Now().UTC().Add(delay),
			LastError: &queue.ErrInfo{
				Kind:    string(kind),
				Message: sendErr.Error(),
			},
		})

	case kind.Retryable():
		attempts := entry.Attempt + 1
		if p.policy.Exhausted(attempts) {
			entry.Attempt = attempts
			p.deadLetter(entry, kind, sendErr.Error())
			return
		}
		delay := p.policy.Delay(attempts, retry.RetryAfterHint(sendErr))
		p.tracker.Record(
			correlationID,
			string(queue.StatusRetrying),
			fmt.Sprintf("attempt %d/%d failed, next in %s: %s",
				attempts,
				p.policy.MaxAttempts,
				delay.Round(time.Millisecond),
				sendErr,
			),
		)
		p.nack(entry, queue.Schedule{
			Status:        queue.StatusRetrying,
			Attempt:       attempts,
			NextAttemptAt: time.Now().UTC().Add(delay),
			LastError: &queue.ErrInfo{
				Kind:    string(kind),
				Message: sendErr.Error(),
			},
		})

	default:
		// Non-retryable: fail the entry and dead-letter immediately
		p.tracker.Record(
			correlationID,
			string(queue.StatusFailed),
			sendErr.Error(),
		)
		entry.Attempt++
		p.deadLetter(entry, kind, sendErr.Error())
	}
}

func (p *Pipeline) nack(entry *queue.Entry, sched queue.Schedule) {
	_ = p.withPersistence(func() error {
		return p.store.Nack(entry.CorrelationID(), sched)
	})
}

func (p *Pipeline) requeue(entry *queue.Entry, status queue.Status, detail string) {
	p.tracker.Record(entry.CorrelationID(), string(status), detail)
	p.nack(entry, queue.Schedule{
		Status:        status,
		Attempt:       entry.Attempt,
		NextAttemptAt: time.Now().UTC(),
		LastError:     entry.LastError,
	})
}

// deadLetter moves the entry (and, for fragments, the rest of its
// group) to the DLQ
func (p *Pipeline) deadLetter(entry *queue.Entry, kind retry.Kind, message string) {
	correlationID := entry.CorrelationID()
	reason := queue.ErrInfo{Kind: string(kind), Message: message}

	if err := p.withPersistence(func() error {
		return p.store.DeadLetter(correlationID, reason)
	}); err != nil {
		return
	}
	p.tracker.Record(correlationID, string(queue.StatusDeadLetter), message)

	// A failed fragment tears down its whole group
	if entry.FragmentGroupID != "" {
		groupReason := queue.ErrInfo{
			Kind: string(kind),
			Message: fmt.Sprintf(
				"fragment group %s torn down: %s",
				entry.FragmentGroupID,
				message,
			),
		}
		var torn []string
		_ = p.withPersistence(func() error {
			var err error
			torn, err = p.store.DeadLetterGroup(
				entry.FragmentGroupID,
				groupReason,
			)
			return err
		})
		for _, id := range torn {
			p.tracker.Record(
				id,
				string(queue.StatusDeadLetter),
				groupReason.Message,
			)
		}
	}
}

// withPersistence retries a queue operation with exponential backoff
// while the backend is failing, stalling the pipeline and flagging
// health. Returns the operation's terminal error on shutdown or a
// permanent failure.
func (p *Pipeline) withPersistence(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		err := op()
		if err == nil {
			if attempt > 0 {
				p.stalled.Store(false)
				if p.logger != nil {
					p.logger.Info("queue backend recovered")
				}
			}
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		attempt++
		p.stalled.Store(true)
		if p.logger != nil {
			p.logger.Error(
				fmt.Sprintf("queue operation failed (attempt %d): %s", attempt, err),
			)
		}
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.doneChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return backoff.Retry(wrapped, backoff.WithContext(bo, ctx))
}

// janitorLoop runs periodic maintenance: rate limiter bucket eviction
// and archived trace retention
func (p *Pipeline) janitorLoop() {
	defer p.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.doneChan:
		case <-ctx.Done():
		}
		cancel()
	}()
	go p.limiter.Janitor(ctx, time.Minute)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-p.doneChan:
			return
		case <-ticker.C:
			purged, err := p.store.PurgeTraces(p.traceRetention)
			if err != nil {
				if p.logger != nil {
					p.logger.Warn("trace purge failed", "error", err)
				}
				continue
			}
			if purged > 0 && p.logger != nil {
				p.logger.Debug(fmt.Sprintf("purged %d archived traces", purged))
			}
		}
	}
}
