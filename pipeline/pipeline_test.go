package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/boa/breaker"
	"github.com/blinklabs-io/boa/event"
	"github.com/blinklabs-io/boa/fragment"
	"github.com/blinklabs-io/boa/queue"
	"github.com/blinklabs-io/boa/ratelimit"
	"github.com/blinklabs-io/boa/retry"
	"github.com/blinklabs-io/boa/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInput is an input plugin driven directly by the test
type fakeInput struct {
	eventChan chan event.Event
	errorChan chan error
}

func newFakeInput() *fakeInput {
	return &fakeInput{
		eventChan: make(chan event.Event, 10),
		errorChan: make(chan error, 1),
	}
}

func (f *fakeInput) Start() error                   { return nil }
func (f *fakeInput) Stop() error                    { return nil }
func (f *fakeInput) ErrorChan() <-chan error        { return f.errorChan }
func (f *fakeInput) InputChan() chan<- event.Event  { return nil }
func (f *fakeInput) OutputChan() <-chan event.Event { return f.eventChan }

// fakeSender is an output plugin with scripted per-send outcomes
type fakeSender struct {
	mu        sync.Mutex
	sends     []sentMessage
	script    []error
	errorChan chan error
}

type sentMessage struct {
	chatID int64
	text   string
}

func newFakeSender(script ...error) *fakeSender {
	return &fakeSender{
		script:    script,
		errorChan: make(chan error, 1),
	}
}

func (f *fakeSender) Start() error                   { return nil }
func (f *fakeSender) Stop() error                    { return nil }
func (f *fakeSender) ErrorChan() <-chan error        { return f.errorChan }
func (f *fakeSender) InputChan() chan<- event.Event  { return nil }
func (f *fakeSender) OutputChan() <-chan event.Event { return nil }

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.sends)
	f.sends = append(f.sends, sentMessage{chatID: chatID, text: text})
	if idx < len(f.script) {
		return f.script[idx]
	}
	return nil
}

func (f *fakeSender) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage{}, f.sends...)
}

// plainRenderer renders the description verbatim
type plainRenderer struct{}

func (plainRenderer) Render(evt event.Event) (string, error) {
	return evt.Description, nil
}

type testHarness struct {
	pipe    *Pipeline
	input   *fakeInput
	sender  *fakeSender
	store   *queue.Store
	tracker *tracker.Tracker
}

func newHarness(t *testing.T, sender *fakeSender, opts ...PipelineOptionFunc) *testHarness {
	t.Helper()
	store, err := queue.Open(t.TempDir(), queue.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	track := tracker.New(tracker.NewMetrics(), tracker.WithArchiver(store))
	require.NoError(t, track.Start())
	t.Cleanup(func() { _ = track.Stop() })

	input := newFakeInput()
	fastPolicy := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Factor:      2,
		Jitter:      0.1,
	}
	pipe := New(append([]PipelineOptionFunc{
		WithStore(store),
		WithRateLimiter(ratelimit.New(ratelimit.Config{
			Global:  ratelimit.BucketConfig{Capacity: 1000, RefillRate: 1000},
			PerChat: ratelimit.BucketConfig{Capacity: 1000, RefillRate: 1000},
			IdleTTL: time.Hour,
		})),
		WithBreaker(breaker.New(breaker.DefaultConfig())),
		WithTracker(track),
		WithRenderer(plainRenderer{}),
		WithRetryPolicy(fastPolicy),
		WithWorkers(2),
		WithShutdownTimeout(2 * time.Second),
	}, opts...)...)
	pipe.AddInput(input)
	pipe.AddOutput(sender)
	require.NoError(t, pipe.Start())
	t.Cleanup(func() { _ = pipe.Stop() })

	return &testHarness{
		pipe:    pipe,
		input:   input,
		sender:  sender,
		store:   store,
		tracker: track,
	}
}

func (h *testHarness) drop(t *testing.T, evt event.Event) {
	t.Helper()
	h.input.eventChan <- evt
}

func traceStatus(t *testing.T, h *testHarness, correlationID string) string {
	t.Helper()
	trace, err := h.tracker.Trace(correlationID)
	if err != nil {
		return ""
	}
	if len(trace.Records) == 0 {
		return ""
	}
	return trace.Records[len(trace.Records)-1].Status
}

func newTestEvent(chatID int64) event.Event {
	evt := event.New(event.TypeTaskCompletion, chatID, "A", "done")
	evt.CorrelationID = evt.EventID
	return evt
}

func TestHappyPathDelivery(t *testing.T) {
	sender := newFakeSender()
	h := newHarness(t, sender)

	evt := newTestEvent(42)
	h.drop(t, evt)

	require.Eventually(t, func() bool {
		return traceStatus(t, h, evt.CorrelationID) == "delivered"
	}, 5*time.Second, 20*time.Millisecond)

	sends := sender.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, int64(42), sends[0].chatID)
	assert.Equal(t, "done", sends[0].text)
	assert.Equal(t, 0, h.store.ActiveCount())
	assert.Equal(t, 0, h.store.DeadLetterCount())
}

func TestRetryableErrorRetriesThenDelivers(t *testing.T) {
	sender := newFakeSender(
		retry.NewError(retry.KindHTTPServerError, errors.New("502")),
	)
	h := newHarness(t, sender)

	evt := newTestEvent(42)
	h.drop(t, evt)

	require.Eventually(t, func() bool {
		return traceStatus(t, h, evt.CorrelationID) == "delivered"
	}, 5*time.Second, 20*time.Millisecond)

	require.Len(t, sender.sent(), 2)

	trace, err := h.tracker.Trace(evt.CorrelationID)
	require.NoError(t, err)
	var statuses []string
	for _, rec := range trace.Records {
		statuses = append(statuses, rec.Status)
	}
	assert.Contains(t, statuses, "retrying")
	assert.Equal(t, 0, h.store.DeadLetterCount())
}

func TestNonRetryableDeadLetters(t *testing.T) {
	sender := newFakeSender(
		retry.NewError(retry.KindHTTPClientError, errors.New("400")),
	)
	h := newHarness(t, sender)

	evt := newTestEvent(42)
	h.drop(t, evt)

	require.Eventually(t, func() bool {
		return traceStatus(t, h, evt.CorrelationID) == "dead_letter"
	}, 5*time.Second, 20*time.Millisecond)

	// Exactly one attempt, no retries
	require.Len(t, sender.sent(), 1)
	dead, err := h.store.ListDeadLetters(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempt)
	assert.Equal(t, "HttpClientError", dead[0].LastError.Kind)

	trace, err := h.tracker.Trace(evt.CorrelationID)
	require.NoError(t, err)
	var statuses []string
	for _, rec := range trace.Records {
		statuses = append(statuses, rec.Status)
	}
	assert.Contains(t, statuses, "failed")
}

func TestRetryBudgetExhaustionDeadLetters(t *testing.T) {
	// Always failing with a retryable error
	script := make([]error, 10)
	for i := range script {
		script[i] = retry.NewError(
			retry.KindTransportTimeout,
			errors.New("timeout"),
		)
	}
	sender := newFakeSender(script...)
	h := newHarness(t, sender)

	evt := newTestEvent(42)
	h.drop(t, evt)

	require.Eventually(t, func() bool {
		return traceStatus(t, h, evt.CorrelationID) == "dead_letter"
	}, 10*time.Second, 20*time.Millisecond)

	// MaxAttempts from the fast test policy
	require.Len(t, sender.sent(), 3)
	dead, err := h.store.ListDeadLetters(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempt)
}

func TestOversizeRenderingFragments(t *testing.T) {
	sender := newFakeSender()
	h := newHarness(t, sender, WithFragmentConfig(fragment.Config{
		Threshold:          100,
		MaxFragmentSize:    40,
		MinCompressSavings: 0.1,
		Timeout:            time.Minute,
	}))

	evt := event.New(
		event.TypeTaskCompletion,
		42,
		"big",
		strings.Repeat("0123456789", 20), // 200 bytes
	)
	evt.CorrelationID = evt.EventID
	h.drop(t, evt)

	// Parent terminal state is "fragmented"; 5 fragments deliver
	require.Eventually(t, func() bool {
		return traceStatus(t, h, evt.CorrelationID) == "fragmented"
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(sender.sent()) == 5
	}, 5*time.Second, 20*time.Millisecond)

	// Contiguous, in order, reassembling to the original body
	var rebuilt strings.Builder
	for _, send := range sender.sent() {
		assert.Equal(t, int64(42), send.chatID)
		rebuilt.WriteString(send.text)
	}
	assert.Equal(t, strings.Repeat("0123456789", 20), rebuilt.String())

	for i := range 5 {
		fragID := fmt.Sprintf("%s-f%d", evt.CorrelationID, i)
		assert.Equal(t, "delivered", traceStatus(t, h, fragID))
	}
	assert.Equal(t, 0, h.store.ActiveCount())
}

func TestPerChatOrdering(t *testing.T) {
	sender := newFakeSender()
	h := newHarness(t, sender)

	var ids []string
	for i := range 5 {
		evt := event.New(
			event.TypeTaskCompletion,
			7,
			fmt.Sprintf("msg-%d", i),
			fmt.Sprintf("body-%d", i),
		)
		evt.CorrelationID = evt.EventID
		ids = append(ids, evt.CorrelationID)
		h.drop(t, evt)
	}

	require.Eventually(t, func() bool {
		return len(sender.sent()) == 5
	}, 10*time.Second, 20*time.Millisecond)

	for i, send := range sender.sent() {
		assert.Equal(t, fmt.Sprintf("body-%d", i), send.text)
	}
	for _, id := range ids {
		assert.Equal(t, "delivered", traceStatus(t, h, id))
	}
}

func TestStopIdempotent(t *testing.T) {
	sender := newFakeSender()
	h := newHarness(t, sender)
	require.NoError(t, h.pipe.Stop())
	require.NoError(t, h.pipe.Stop())
}

func TestStartRequiresMachinery(t *testing.T) {
	p := New()
	p.AddInput(newFakeInput())
	p.AddOutput(newFakeSender())
	assert.Error(t, p.Start())
}

func TestWorkerSlotStable(t *testing.T) {
	slot := workerSlot(42, 5)
	for range 100 {
		assert.Equal(t, slot, workerSlot(42, 5))
	}
	assert.Less(t, slot, 5)
	assert.GreaterOrEqual(t, slot, 0)
}
