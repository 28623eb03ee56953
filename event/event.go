package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxTitleLength is the maximum allowed length for an event title
	MaxTitleLength = 200
	// MaxDescriptionLength is the maximum allowed length for an event description
	MaxDescriptionLength = 2000
)

// Event is a single producer event flowing through the delivery pipeline
type Event struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Type          Type           `json:"type"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Payload       map[string]any `json:"payload,omitempty"`
	RenderHints   map[string]any `json:"render_hints,omitempty"`
	TargetChat    int64          `json:"target_chat"`
	Priority      Priority       `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	EnqueuedAt    time.Time      `json:"enqueued_at,omitempty"`
	ContentHash   string         `json:"content_hash,omitempty"`
}

// New creates an Event with the given type, target chat and content. The
// event ID is generated and the priority derived from the type default.
func New(eventType Type, targetChat int64, title, description string) Event {
	return Event{
		EventID:     uuid.NewString(),
		Type:        eventType,
		Title:       title,
		Description: description,
		TargetChat:  targetChat,
		Priority:    eventType.DefaultPriority(),
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks the event against the closed type enum and field maxima.
// The target chat allowlist is checked separately by the intake, since the
// allowlist is deployment configuration rather than part of the model.
func (e *Event) Validate() error {
	if e.Title == "" {
		return errors.New("title is required")
	}
	if len(e.Title) > MaxTitleLength {
		return fmt.Errorf(
			"title exceeds %d characters (%d)",
			MaxTitleLength,
			len(e.Title),
		)
	}
	if len(e.Description) > MaxDescriptionLength {
		return fmt.Errorf(
			"description exceeds %d characters (%d)",
			MaxDescriptionLength,
			len(e.Description),
		)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type: %s", e.Type)
	}
	if e.TargetChat == 0 {
		return errors.New("target_chat is required")
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("unknown priority: %d", e.Priority)
	}
	return nil
}

// ComputeContentHash returns the SHA-256 of the canonicalised JSON encoding
// of the event content. Only producer-supplied fields participate, so the
// hash is stable across restarts regardless of pipeline-assigned identity.
func (e *Event) ComputeContentHash() (string, error) {
	content := map[string]any{
		"type":        string(e.Type),
		"title":       e.Title,
		"description": e.Description,
		"target_chat": e.TargetChat,
	}
	if len(e.Payload) > 0 {
		content["payload"] = e.Payload
	}
	// encoding/json sorts map keys, giving us a canonical encoding
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashContent computes the SHA-256 of raw content as a hex string
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
