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
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/blinklabs-io/boa/event"
)

// Renderer formats an event into Telegram HTML. The default renderer
// picks a header per event type; richer formatting (templates, buttons,
// localisation) can be plugged in by swapping the implementation.
type Renderer struct{}

// NewRenderer creates the default HTML renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render formats the event as Telegram HTML
func (r *Renderer) Render(evt event.Event) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(
		"<b>%s %s</b>\n\n",
		typeEmoji(evt.Type),
		html.EscapeString(evt.Title),
	))
	if evt.Description != "" {
		sb.WriteString(html.EscapeString(evt.Description))
		sb.WriteString("\n")
	}
	if len(evt.Payload) > 0 {
		sb.WriteString("\n")
		keys := make([]string, 0, len(evt.Payload))
		for key := range evt.Payload {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			sb.WriteString(fmt.Sprintf(
				"<b>%s:</b> %s\n",
				html.EscapeString(key),
				html.EscapeString(fmt.Sprintf("%v", evt.Payload[key])),
			))
		}
	}
	return sb.String(), nil
}

func typeEmoji(t event.Type) string {
	switch t {
	case event.TypeTaskCompletion:
		return "✅"
	case event.TypeApprovalRequest:
		return "❓"
	case event.TypeProgressUpdate:
		return "🔄"
	case event.TypePerformanceAlert:
		return "⚡"
	case event.TypeErrorOccurred:
		return "❌"
	case event.TypeInfoNotification:
		return "ℹ️"
	default:
		return "📨"
	}
}
