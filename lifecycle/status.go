package lifecycle

// Transaction statuses. The enumeration is closed: a transaction is always
// in exactly one of these states, and only the transitions in the table
// below are legal.
const (
	StatusInitiated      = "initiated"
	StatusPendingSubject = "pending_subject"
	StatusPendingHolder  = "pending_holder"
	StatusApproved       = "approved"
	StatusDeniedSubject  = "denied_subject"
	StatusDeniedHolder   = "denied_holder"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
)

// Event identifies a requested lifecycle transition.
type Event string

const (
	EventSubmit         Event = "submit"
	EventCancel         Event = "cancel"
	EventSubjectApprove Event = "subject_approve"
	EventSubjectDeny    Event = "subject_deny"
	EventHolderRelease  Event = "holder_release"
	EventHolderDeny     Event = "holder_deny"
	EventComplete       Event = "complete"
)

// Actor roles recorded in the approval history.
const (
	RoleConsumer = "consumer"
	RoleSubject  = "subject"
	RoleHolder   = "holder"
	RoleSystem   = "system"
)

// transitions is the closed transition table. Approvals are strictly
// sequential: the Subject decides before the Holder may act.
var transitions = map[string]map[Event]string{
	StatusInitiated: {
		EventSubmit: StatusPendingSubject,
		EventCancel: StatusCancelled,
	},
	StatusPendingSubject: {
		EventSubjectApprove: StatusPendingHolder,
		EventSubjectDeny:    StatusDeniedSubject,
	},
	StatusPendingHolder: {
		EventHolderRelease: StatusApproved,
		EventHolderDeny:    StatusDeniedHolder,
	},
	StatusApproved: {
		EventComplete: StatusCompleted,
	},
}

// nextStatus returns the target status for (status, event), or "" when the
// event is not legal from that status.
func nextStatus(status string, event Event) string {
	targets, ok := transitions[status]
	if !ok {
		return ""
	}
	return targets[event]
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	_, ok := transitions[status]
	return !ok
}
