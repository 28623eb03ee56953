package responses

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteResponse(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "responses"))
	require.NoError(t, err)

	path, err := w.Write(&Response{
		CorrelationID: "corr-1",
		OriginEventID: "evt-1",
		Kind:          KindCallback,
		UserID:        12345,
		Username:      "someone",
		Payload:       map[string]any{"data": "approve"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "corr-1-"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Response
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "evt-1", got.OriginEventID)
	assert.Equal(t, KindCallback, got.Kind)
	assert.Equal(t, int64(12345), got.UserID)
	assert.Equal(t, "approve", got.Payload["data"])
	assert.False(t, got.ReceivedAt.IsZero())

	// No temp files left behind
	files, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, strings.HasSuffix(f.Name(), ".tmp"))
	}
}

func TestWriteUnsolicited(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	path, err := w.Write(&Response{
		Kind:    KindMessage,
		UserID:  1,
		Payload: map[string]any{"text": "hello"},
	})
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "unsolicited-")
}

func TestNewWriterRequiresDir(t *testing.T) {
	_, err := NewWriter("")
	assert.Error(t, err)
}
