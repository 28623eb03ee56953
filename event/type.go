package event

// Type is the closed enum of producer event categories. The type selects
// the default priority and the message formatting for an event.
type Type string

const (
	TypeTaskCompletion   Type = "task_completion"
	TypeApprovalRequest  Type = "approval_request"
	TypeProgressUpdate   Type = "progress_update"
	TypePerformanceAlert Type = "performance_alert"
	TypeErrorOccurred    Type = "error_occurred"
	TypeInfoNotification Type = "info_notification"
)

// Types returns all valid event types
func Types() []Type {
	return []Type{
		TypeTaskCompletion,
		TypeApprovalRequest,
		TypeProgressUpdate,
		TypePerformanceAlert,
		TypeErrorOccurred,
		TypeInfoNotification,
	}
}

// Valid reports whether t is a member of the closed type enum
func (t Type) Valid() bool {
	switch t {
	case TypeTaskCompletion,
		TypeApprovalRequest,
		TypeProgressUpdate,
		TypePerformanceAlert,
		TypeErrorOccurred,
		TypeInfoNotification:
		return true
	default:
		return false
	}
}

// DefaultPriority returns the priority band used for events of this type
// when the producer doesn't specify one
func (t Type) DefaultPriority() Priority {
	switch t {
	case TypeErrorOccurred:
		return PriorityCritical
	case TypeApprovalRequest, TypePerformanceAlert:
		return PriorityHigh
	case TypeTaskCompletion, TypeInfoNotification:
		return PriorityNormal
	case TypeProgressUpdate:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
