package conversation

import "strings"

// Status is the canonical lifecycle state of a conversation. External
// representations (webhook payloads, database rows) are coerced into this
// type at the boundary and compared only as Status downstream.
type Status string

const (
	StatusPending       Status = "pending"
	StatusProgress      Status = "progress"
	StatusHumanHandoff  Status = "human_handoff"
	StatusIdleTimeout   Status = "idle_timeout"
	StatusAgentClosed   Status = "agent_closed"
	StatusSupportClosed Status = "support_closed"
	StatusUserClosed    Status = "user_closed"
	StatusExpired       Status = "expired"
	StatusFailed        Status = "failed"
)

// ParseStatus coerces an external status representation into a Status.
// Unknown values map to StatusFailed so a corrupt row can never masquerade
// as an active conversation.
func ParseStatus(raw string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusProgress, StatusHumanHandoff, StatusIdleTimeout,
		StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusExpired, StatusFailed:
		return s
	}
	return StatusFailed
}

// ActiveStatuses are the states in which a conversation accepts traffic.
var ActiveStatuses = []Status{StatusPending, StatusProgress, StatusHumanHandoff}

// allowedTransitions is the full edge table. Terminal states have no entry.
var allowedTransitions = map[Status][]Status{
	StatusPending: {
		StatusProgress, StatusHumanHandoff, StatusExpired,
		StatusSupportClosed, StatusUserClosed, StatusAgentClosed, StatusFailed,
	},
	StatusProgress: {
		StatusHumanHandoff, StatusAgentClosed, StatusSupportClosed,
		StatusUserClosed, StatusIdleTimeout, StatusExpired, StatusFailed,
	},
	StatusHumanHandoff: {
		StatusProgress, StatusAgentClosed, StatusSupportClosed,
		StatusUserClosed, StatusFailed,
	},
	StatusIdleTimeout: {
		StatusProgress, StatusHumanHandoff, StatusExpired,
		StatusAgentClosed, StatusUserClosed, StatusFailed,
	},
}

// closurePriority ranks terminal states for forced overrides. Lower wins.
var closurePriority = map[Status]int{
	StatusFailed:        1,
	StatusUserClosed:    2,
	StatusSupportClosed: 3,
	StatusAgentClosed:   4,
	StatusExpired:       5,
	StatusIdleTimeout:   5,
}

// IsTerminal reports whether the status has no outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// IsActive reports whether the conversation still accepts traffic.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusProgress, StatusHumanHandoff:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> target is valid.
// Self-transitions are always permitted as idempotent no-ops.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ClosurePriority returns the forced-override rank for a status, or 0 when
// the status does not participate in priority arbitration.
func (s Status) ClosurePriority() int {
	return closurePriority[s]
}

func (s Status) String() string {
	return string(s)
}
