package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blinklabs-io/boa/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(t *testing.T, chatID int64, priority event.Priority) *Entry {
	t.Helper()
	evt := event.New(event.TypeTaskCompletion, chatID, "A", "done")
	evt.CorrelationID = evt.EventID
	evt.Priority = priority
	return &Entry{Event: evt}
}

func openTestStore(t *testing.T, opts ...StoreOptionFunc) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), DefaultConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestEnqueueReserveAck(t *testing.T) {
	s := openTestStore(t)
	e := testEntry(t, 42, event.PriorityNormal)
	require.NoError(t, s.Enqueue(e))
	assert.Equal(t, 1, s.ActiveCount())

	got, err := s.Reserve(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.CorrelationID(), got.CorrelationID())
	assert.Equal(t, StatusSending, got.Status)
	assert.Equal(t, 1, s.InFlightCount())

	// At most one in-flight per entry: nothing else to reserve
	second, err := s.Reserve(nil)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, s.Ack(got.CorrelationID()))
	assert.Equal(t, 0, s.ActiveCount())
	assert.Equal(t, 0, s.InFlightCount())
}

func TestEnqueueDuplicateCorrelationID(t *testing.T) {
	s := openTestStore(t)
	e := testEntry(t, 42, event.PriorityNormal)
	require.NoError(t, s.Enqueue(e))
	dup := &Entry{Event: e.Event}
	assert.ErrorIs(t, s.Enqueue(dup), ErrDuplicate)
}

func TestPriorityOrdering(t *testing.T) {
	s := openTestStore(t)
	low := testEntry(t, 1, event.PriorityLow)
	critical := testEntry(t, 2, event.PriorityCritical)
	normal := testEntry(t, 3, event.PriorityNormal)
	for _, e := range []*Entry{low, critical, normal} {
		require.NoError(t, s.Enqueue(e))
		// Distinct enqueue timestamps within a band
		time.Sleep(2 * time.Millisecond)
	}

	var order []string
	for {
		got, err := s.Reserve(nil)
		require.NoError(t, err)
		if got == nil {
			break
		}
		order = append(order, got.CorrelationID())
		require.NoError(t, s.Ack(got.CorrelationID()))
	}
	require.Equal(t, []string{
		critical.CorrelationID(),
		normal.CorrelationID(),
		low.CorrelationID(),
	}, order)
}

func TestFIFOWithinBand(t *testing.T) {
	s := openTestStore(t)
	var want []string
	for range 5 {
		e := testEntry(t, 7, event.PriorityNormal)
		require.NoError(t, s.Enqueue(e))
		want = append(want, e.CorrelationID())
		time.Sleep(2 * time.Millisecond)
	}
	var got []string
	for range 5 {
		entry, err := s.Reserve(nil)
		require.NoError(t, err)
		require.NotNil(t, entry)
		got = append(got, entry.CorrelationID())
		require.NoError(t, s.Ack(entry.CorrelationID()))
	}
	assert.Equal(t, want, got)
}

func TestReserveHonoursNextAttemptAt(t *testing.T) {
	current := time.Now()
	s := openTestStore(t, WithClock(func() time.Time { return current }))
	e := testEntry(t, 42, event.PriorityNormal)
	require.NoError(t, s.Enqueue(e))

	got, err := s.Reserve(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, s.Nack(got.CorrelationID(), Schedule{
		Status:        StatusRetrying,
		Attempt:       1,
		NextAttemptAt: current.Add(5 * time.Second),
		LastError:     &ErrInfo{Kind: "HttpServerError", Message: "502"},
	}))

	// Not due yet
	got, err = s.Reserve(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	current = current.Add(6 * time.Second)
	got, err = s.Reserve(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "HttpServerError", got.LastError.Kind)
}

func TestReserveAcceptFilter(t *testing.T) {
	s := openTestStore(t)
	mine := testEntry(t, 100, event.PriorityCritical)
	other := testEntry(t, 200, event.PriorityCritical)
	require.NoError(t, s.Enqueue(other))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Enqueue(mine))

	// The filter skips the earlier entry in the same band, which belongs
	// to a different worker's chat
	got, err := s.Reserve(func(chatID int64) bool { return chatID == 100 })
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, mine.CorrelationID(), got.CorrelationID())
}

func TestSaturation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActive = 3
	s, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	defer s.Close()

	for range 3 {
		require.NoError(t, s.Enqueue(testEntry(t, 1, event.PriorityNormal)))
	}
	err = s.Enqueue(testEntry(t, 1, event.PriorityNormal))
	assert.ErrorIs(t, err, ErrSaturated)

	// Space frees once an entry leaves the active set
	got, err := s.Reserve(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, s.Ack(got.CorrelationID()))
	assert.NoError(t, s.Enqueue(testEntry(t, 1, event.PriorityNormal)))
}

func TestDeadLetterWritesFile(t *testing.T) {
	dlqDir := t.TempDir()
	s := openTestStore(t, WithDLQDir(dlqDir))
	e := testEntry(t, 42, event.PriorityNormal)
	require.NoError(t, s.Enqueue(e))
	got, err := s.Reserve(nil)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, s.DeadLetter(got.CorrelationID(), ErrInfo{
		Kind:    "HttpClientError",
		Message: "400 bad request",
	}))
	assert.Equal(t, 0, s.ActiveCount())
	assert.Equal(t, 1, s.DeadLetterCount())

	dead, err := s.ListDeadLetters(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, StatusDeadLetter, dead[0].Status)
	assert.Equal(t, "HttpClientError", dead[0].LastError.Kind)

	// Mirrored as a JSON file with the DLQ envelope
	files, err := os.ReadDir(dlqDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(filepath.Join(dlqDir, files[0].Name()))
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "HttpClientError", record["last_error"].(map[string]any)["kind"])
	assert.NotNil(t, record["attempts"])
	assert.NotNil(t, record["first_seen"])
	assert.NotNil(t, record["last_seen"])
}

func TestDeadLetterBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeadLetters = 2
	s, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	defer s.Close()

	for range 4 {
		e := testEntry(t, 1, event.PriorityNormal)
		require.NoError(t, s.Enqueue(e))
		got, err := s.Reserve(nil)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NoError(t, s.DeadLetter(
			got.CorrelationID(),
			ErrInfo{Kind: "AuthFailure", Message: "401"},
		))
	}
	dead, err := s.ListDeadLetters(0)
	require.NoError(t, err)
	assert.Len(t, dead, 2)
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	current := time.Now()
	clock := func() time.Time { return current }

	cfg := DefaultConfig()
	s, err := Open(dir, cfg, WithClock(clock))
	require.NoError(t, err)
	e := testEntry(t, 42, event.PriorityNormal)
	require.NoError(t, s.Enqueue(e))
	got, err := s.Reserve(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	// Simulate a crash with the reservation still held
	require.NoError(t, s.Close())

	// Restart within the TTL: the reservation is still honoured
	s, err = Open(dir, cfg, WithClock(clock))
	require.NoError(t, err)
	recovered, err := s.RecoverStale()
	require.NoError(t, err)
	assert.Empty(t, recovered)
	assert.Equal(t, 1, s.InFlightCount())
	require.NoError(t, s.Close())

	// Past the TTL the sweep returns the entry to the queue
	current = current.Add(cfg.ReservationTTL + time.Minute)
	s, err = Open(dir, cfg, WithClock(clock))
	require.NoError(t, err)
	defer s.Close()
	recovered, err = s.RecoverStale()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, e.CorrelationID(), recovered[0].CorrelationID)
	assert.Equal(t, 1, recovered[0].Attempt)

	got, err = s.Reserve(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attempt)
}

func TestTraceArchive(t *testing.T) {
	s := openTestStore(t)
	trace := json.RawMessage(`{"status":"delivered"}`)
	require.NoError(t, s.ArchiveTrace("corr-1", trace))

	got, err := s.GetArchivedTrace("corr-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(trace), string(got))

	_, err = s.GetArchivedTrace("corr-2")
	assert.ErrorIs(t, err, ErrNotFound)

	purged, err := s.PurgeTraces(0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = s.GetArchivedTrace("corr-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
