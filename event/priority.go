package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority is the queue ordering band for an event. Higher values sort
// first. The priority is immutable once the event has been enqueued.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Priorities returns all bands from highest to lowest
func Priorities() []Priority {
	return []Priority{
		PriorityCritical,
		PriorityHigh,
		PriorityNormal,
		PriorityLow,
	}
}

// Valid reports whether p is a known priority band
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a producer-supplied priority string to a band
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority: %s", s)
	}
}

// MarshalJSON encodes the priority as its string name
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a string name or a bare integer band
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParsePriority(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid priority: %s", string(data))
	}
	*p = Priority(n)
	if !p.Valid() {
		return fmt.Errorf("invalid priority: %d", n)
	}
	return nil
}
