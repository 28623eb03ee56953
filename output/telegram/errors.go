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
	"errors"
	"time"

	"github.com/blinklabs-io/boa/retry"
	"github.com/go-telegram/bot"
)

// classifySendError maps Telegram API errors to retry kinds so the
// delivery pipeline can decide between retry, backoff and dead-letter
// without knowing about the bot library
func classifySendError(err error) error {
	if err == nil {
		return nil
	}

	// 429 carries the server's backpressure hint
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &retry.Error{
			Kind:       retry.KindHTTPTooManyRequests,
			Err:        err,
			RetryAfter: time.Duration(tooMany.RetryAfter) * time.Second,
		}
	}
	if errors.Is(err, bot.ErrorTooManyRequests) {
		return retry.NewError(retry.KindHTTPTooManyRequests, err)
	}

	switch {
	case errors.Is(err, bot.ErrorUnauthorized),
		errors.Is(err, bot.ErrorForbidden):
		return retry.NewError(retry.KindAuthFailure, err)
	case errors.Is(err, bot.ErrorBadRequest):
		return retry.NewError(retry.KindPayloadRejected, err)
	case errors.Is(err, bot.ErrorNotFound),
		errors.Is(err, bot.ErrorConflict):
		return retry.NewError(retry.KindHTTPClientError, err)
	}

	// Transport-level errors (timeouts, resets, resolver failures) keep
	// their chain so the retry engine's net classification applies
	return retry.NewError(retry.Classify(err), err)
}
