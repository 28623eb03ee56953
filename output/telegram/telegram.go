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

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/blinklabs-io/boa/event"
	"github.com/blinklabs-io/boa/plugin"
	"github.com/blinklabs-io/boa/responses"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	// defaultSendTimeout bounds every outbound send
	defaultSendTimeout = 20 * time.Second

	// telegramMaxMessageLength is the Telegram API limit for message text (UTF-16 code units).
	// We use 4096 to stay within the limit; Telegram uses UTF-16 for counting.
	telegramMaxMessageLength = 4096
)

// TelegramOutput delivers rendered events to Telegram chats and ingests
// callback responses from the bot, surfacing them as response files.
// The delivery pipeline drives sends through Send; Start/Stop manage the
// bot's long-polling loop for the response path.
type TelegramOutput struct {
	errorChan      chan error
	doneChan       chan struct{}
	cancelPoll     context.CancelFunc
	wg             sync.WaitGroup
	stopOnce       sync.Once
	logger         plugin.Logger
	bot            *bot.Bot
	botToken       string
	parseMode      models.ParseMode
	disablePreview bool
	sendTimeout    time.Duration
	writer         *responses.Writer
	responsesDir   string
}

// New creates a new TelegramOutput with the provided options
func New(options ...TelegramOptionFunc) (*TelegramOutput, error) {
	t := &TelegramOutput{
		parseMode:      models.ParseModeHTML,
		disablePreview: false,
		sendTimeout:    defaultSendTimeout,
	}
	for _, option := range options {
		option(t)
	}

	// Validate required configuration
	if t.botToken == "" {
		return nil, errors.New("telegram bot token is required")
	}

	b, err := bot.New(
		t.botToken,
		bot.WithDefaultHandler(t.handleUpdate),
		bot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	t.bot = b

	if t.responsesDir != "" {
		writer, err := responses.NewWriter(t.responsesDir)
		if err != nil {
			return nil, err
		}
		t.writer = writer
	}

	return t, nil
}

// log returns the plugin logger, or the process default if unset
func (t *TelegramOutput) log() plugin.Logger {
	if t.logger != nil {
		return t.logger
	}
	return slog.Default()
}

// Start verifies bot authorization and begins long polling for callback
// responses
func (t *TelegramOutput) Start() error {
	// Guard against double-start: stop the existing poller and wait for
	// its goroutine to exit
	if t.doneChan != nil {
		if t.cancelPoll != nil {
			t.cancelPoll()
		}
		close(t.doneChan)
		t.wg.Wait()
	}

	t.errorChan = make(chan error, 1)
	t.doneChan = make(chan struct{})
	t.stopOnce = sync.Once{}

	logger := t.log()
	logger.Info("starting Telegram output")

	// Verify bot authorization by getting bot info
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to authorize with Telegram: %w", err)
	}
	if me.Username != "" {
		logger.Info("Telegram bot authorized as @" + me.Username)
	} else {
		logger.Info("Telegram bot authorized")
	}

	// Long-poll for callback queries and messages in the background
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	t.cancelPoll = cancelPoll
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.bot.Start(pollCtx)
	}()

	return nil
}

// Stop shuts down the polling loop
func (t *TelegramOutput) Stop() error {
	t.stopOnce.Do(func() {
		if t.cancelPoll != nil {
			t.cancelPoll()
		}
		if t.doneChan != nil {
			close(t.doneChan)
			t.doneChan = nil
		}
		t.wg.Wait()
		if t.errorChan != nil {
			close(t.errorChan)
			t.errorChan = nil
		}
	})
	return nil
}

// Send delivers one rendered message to the given chat. Errors are
// classified for the retry engine. The text is truncated to Telegram's
// message length limit.
func (t *TelegramOutput) Send(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		return errors.New("no chat ID provided")
	}

	ctx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()

	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      truncateMessage(text, telegramMaxMessageLength),
		ParseMode: t.parseMode,
	}

	// Set link preview options if preview is disabled
	if t.disablePreview {
		params.LinkPreviewOptions = &models.LinkPreviewOptions{
			IsDisabled: bot.True(),
		}
	}

	_, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return classifySendError(err)
	}

	t.log().Debug(fmt.Sprintf("Sent message to chat %d", chatID))
	return nil
}

// handleUpdate ingests bot updates. Callback queries and plain messages
// become response files for producers to consume.
func (t *TelegramOutput) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	logger := t.log()
	if update == nil {
		return
	}

	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		// Acknowledge so the client stops showing a spinner
		_, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: cq.ID,
		})
		if err != nil {
			logger.Warn("failed to answer callback query", "error", err)
		}
		correlationID, action := splitCallbackData(cq.Data)
		t.writeResponse(&responses.Response{
			CorrelationID: correlationID,
			Kind:          responses.KindCallback,
			UserID:        cq.From.ID,
			Username:      cq.From.Username,
			Payload: map[string]any{
				"data":   cq.Data,
				"action": action,
			},
		})
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.Text == "" {
			return
		}
		t.writeResponse(&responses.Response{
			Kind:     responses.KindMessage,
			UserID:   msg.From.ID,
			Username: msg.From.Username,
			Payload: map[string]any{
				"text":    msg.Text,
				"chat_id": msg.Chat.ID,
			},
		})
	}
}

func (t *TelegramOutput) writeResponse(r *responses.Response) {
	if t.writer == nil {
		return
	}
	path, err := t.writer.Write(r)
	if err != nil {
		t.log().Error("failed to write response file", "error", err)
		return
	}
	t.log().Debug("wrote response file", "path", path)
}

// splitCallbackData parses our "<correlation_id>:<action>" callback data
// convention. Unknown formats come back with an empty correlation ID and
// the raw data preserved in the payload.
func splitCallbackData(data string) (string, string) {
	correlationID, action, found := strings.Cut(data, ":")
	if !found {
		return "", data
	}
	return correlationID, action
}

// truncateMessage ensures text fits within Telegram's message length limit.
// It truncates on rune boundaries and appends "… [truncated]" when shortened.
func truncateMessage(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	suffix := "… [truncated]"
	keep := maxLen - len(suffix)
	if keep <= 0 {
		return text[:maxLen]
	}
	trunc := text[:keep]
	for len(trunc) > 0 && !utf8.ValidString(trunc) {
		trunc = trunc[:len(trunc)-1]
	}
	return trunc + suffix
}

// ErrorChan returns the plugin's error channel
func (t *TelegramOutput) ErrorChan() <-chan error {
	return t.errorChan
}

// InputChan always returns nil; the pipeline drives sends synchronously
func (t *TelegramOutput) InputChan() chan<- event.Event {
	return nil
}

// OutputChan always returns nil
func (t *TelegramOutput) OutputChan() <-chan event.Event {
	return nil
}

// GetBot returns the underlying Telegram bot instance for advanced usage
func (t *TelegramOutput) GetBot() *bot.Bot {
	return t.bot
}
