package event

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(e *Event) {},
		},
		{
			name:    "missing title",
			mutate:  func(e *Event) { e.Title = "" },
			wantErr: "title is required",
		},
		{
			name: "title too long",
			mutate: func(e *Event) {
				e.Title = strings.Repeat("x", MaxTitleLength+1)
			},
			wantErr: "title exceeds",
		},
		{
			name: "description too long",
			mutate: func(e *Event) {
				e.Description = strings.Repeat("x", MaxDescriptionLength+1)
			},
			wantErr: "description exceeds",
		},
		{
			name:    "unknown type",
			mutate:  func(e *Event) { e.Type = "bogus" },
			wantErr: "unknown event type",
		},
		{
			name:    "missing chat",
			mutate:  func(e *Event) { e.TargetChat = 0 },
			wantErr: "target_chat is required",
		},
		{
			name:    "bad priority",
			mutate:  func(e *Event) { e.Priority = 42 },
			wantErr: "unknown priority",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			evt := New(TypeTaskCompletion, 42, "A", "done")
			tc.mutate(&evt)
			err := evt.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestContentHashStable(t *testing.T) {
	evt := New(TypeTaskCompletion, 42, "A", "done")
	evt.Payload = map[string]any{"b": 2, "a": 1}
	first, err := evt.ComputeContentHash()
	require.NoError(t, err)

	// Pipeline-assigned identity must not affect the hash
	evt.CorrelationID = "something"
	evt.EventID = "something-else"
	second, err := evt.ComputeContentHash()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Content changes must affect the hash
	evt.Title = "B"
	third, err := evt.ComputeContentHash()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, TypeErrorOccurred.DefaultPriority())
	assert.Equal(t, PriorityHigh, TypeApprovalRequest.DefaultPriority())
	assert.Equal(t, PriorityNormal, TypeTaskCompletion.DefaultPriority())
	assert.Equal(t, PriorityLow, TypeProgressUpdate.DefaultPriority())
}

func TestPriorityJSON(t *testing.T) {
	data, err := json.Marshal(PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(data))

	var p Priority
	require.NoError(t, json.Unmarshal([]byte(`"critical"`), &p))
	assert.Equal(t, PriorityCritical, p)

	require.NoError(t, json.Unmarshal([]byte(`2`), &p))
	assert.Equal(t, PriorityNormal, p)

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &p))
}
