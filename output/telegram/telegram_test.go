package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/blinklabs-io/boa/event"
	"github.com/blinklabs-io/boa/retry"
	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresBotToken(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot token is required")
}

func TestClassifySendError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want retry.Kind
	}{
		{
			"forbidden",
			fmt.Errorf("send: %w", bot.ErrorForbidden),
			retry.KindAuthFailure,
		},
		{
			"unauthorized",
			fmt.Errorf("send: %w", bot.ErrorUnauthorized),
			retry.KindAuthFailure,
		},
		{
			"bad request",
			fmt.Errorf("send: %w", bot.ErrorBadRequest),
			retry.KindPayloadRejected,
		},
		{
			"too many requests",
			fmt.Errorf("send: %w", bot.ErrorTooManyRequests),
			retry.KindHTTPTooManyRequests,
		},
		{
			"plain transport error",
			errors.New("connection refused"),
			retry.KindHTTPServerError,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retry.Classify(classifySendError(tc.err)))
		})
	}
	assert.NoError(t, classifySendError(nil))
}

func TestClassifyRetryAfter(t *testing.T) {
	err := classifySendError(&bot.TooManyRequestsError{
		Message:    "too many requests",
		RetryAfter: 17,
	})
	require.Error(t, err)
	assert.Equal(t, retry.KindHTTPTooManyRequests, retry.Classify(err))
	assert.Equal(t, 17*time.Second, retry.RetryAfterHint(err))
}

func TestSplitCallbackData(t *testing.T) {
	correlationID, action := splitCallbackData("corr-123:approve")
	assert.Equal(t, "corr-123", correlationID)
	assert.Equal(t, "approve", action)

	correlationID, action = splitCallbackData("opaque")
	assert.Equal(t, "", correlationID)
	assert.Equal(t, "opaque", action)
}

func TestTruncateMessage(t *testing.T) {
	short := "short message"
	assert.Equal(t, short, truncateMessage(short, 4096))

	long := strings.Repeat("x", 5000)
	got := truncateMessage(long, 4096)
	assert.LessOrEqual(t, len(got), 4096)
	assert.True(t, strings.HasSuffix(got, "[truncated]"))

	// Truncation never splits a multi-byte rune
	multibyte := strings.Repeat("ü", 3000)
	got = truncateMessage(multibyte, 4096)
	assert.LessOrEqual(t, len(got), 4096)
	for _, r := range got {
		assert.NotEqual(t, '�', r)
	}
}

func TestRenderEscapesHTML(t *testing.T) {
	r := NewRenderer()
	evt := event.New(
		event.TypeTaskCompletion,
		42,
		"build <done>",
		"artifacts & logs attached",
	)
	text, err := r.Render(evt)
	require.NoError(t, err)
	assert.Contains(t, text, "build &lt;done&gt;")
	assert.Contains(t, text, "artifacts &amp; logs attached")
	assert.True(t, strings.HasPrefix(text, "<b>✅"))
}

func TestRenderIncludesPayload(t *testing.T) {
	r := NewRenderer()
	evt := event.New(event.TypeErrorOccurred, 42, "A", "failed")
	evt.Payload = map[string]any{
		"exit_code": 1,
		"task":      "deploy",
	}
	text, err := r.Render(evt)
	require.NoError(t, err)
	assert.Contains(t, text, "<b>exit_code:</b> 1")
	assert.Contains(t, text, "<b>task:</b> deploy")
	// Keys render in stable order
	assert.Less(
		t,
		strings.Index(text, "exit_code"),
		strings.Index(text, "task"),
	)
}
