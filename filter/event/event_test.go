package event

import (
	"testing"
	"time"

	boaevent "github.com/blinklabs-io/boa/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFilter(t *testing.T, f *Event, evts []boaevent.Event) []boaevent.Event {
	t.Helper()
	require.NoError(t, f.Start())
	defer f.Stop()
	for _, evt := range evts {
		f.InputChan() <- evt
	}
	var out []boaevent.Event
	for {
		select {
		case evt := <-f.OutputChan():
			out = append(out, evt)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func TestFilterByType(t *testing.T) {
	f := New(WithTypes([]string{"error_occurred"}))
	out := runFilter(t, f, []boaevent.Event{
		boaevent.New(boaevent.TypeErrorOccurred, 1, "A", "boom"),
		boaevent.New(boaevent.TypeProgressUpdate, 1, "B", "50%"),
		boaevent.New(boaevent.TypeErrorOccurred, 1, "C", "boom again"),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].Title)
	assert.Equal(t, "C", out[1].Title)
}

func TestFilterByMinPriority(t *testing.T) {
	f := New(WithMinPriority(boaevent.PriorityHigh))
	out := runFilter(t, f, []boaevent.Event{
		boaevent.New(boaevent.TypeErrorOccurred, 1, "critical", "boom"),
		boaevent.New(boaevent.TypeProgressUpdate, 1, "low", "50%"),
		boaevent.New(boaevent.TypeApprovalRequest, 1, "high", "ok?"),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "critical", out[0].Title)
	assert.Equal(t, "high", out[1].Title)
}

func TestNoFiltersPassesEverything(t *testing.T) {
	f := New()
	out := runFilter(t, f, []boaevent.Event{
		boaevent.New(boaevent.TypeInfoNotification, 1, "A", ""),
		boaevent.New(boaevent.TypeProgressUpdate, 1, "B", ""),
	})
	assert.Len(t, out, 2)
}

func TestStopIdempotent(t *testing.T) {
	f := New()
	require.NoError(t, f.Start())
	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())
}
