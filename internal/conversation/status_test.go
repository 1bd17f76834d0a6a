package conversation

import "testing"

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"pending", StatusPending},
		{"  PROGRESS ", StatusProgress},
		{"human_handoff", StatusHumanHandoff},
		{"idle_timeout", StatusIdleTimeout},
		{"user_closed", StatusUserClosed},
		{"garbage", StatusFailed},
		{"", StatusFailed},
	}
	for _, tt := range tests {
		if got := ParseStatus(tt.raw); got != tt.want {
			t.Errorf("ParseStatus(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusExpired, StatusFailed}
	for _, st := range terminal {
		if !st.IsTerminal() {
			t.Errorf("%s should be terminal", st)
		}
		if st.IsActive() {
			t.Errorf("%s should not be active", st)
		}
	}
	for _, st := range []Status{StatusPending, StatusProgress, StatusHumanHandoff, StatusIdleTimeout} {
		if st.IsTerminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	all := []Status{
		StatusPending, StatusProgress, StatusHumanHandoff, StatusIdleTimeout,
		StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusExpired, StatusFailed,
	}

	allowed := map[Status]map[Status]bool{
		StatusPending: {
			StatusProgress: true, StatusHumanHandoff: true, StatusExpired: true,
			StatusSupportClosed: true, StatusUserClosed: true, StatusAgentClosed: true, StatusFailed: true,
		},
		StatusProgress: {
			StatusHumanHandoff: true, StatusAgentClosed: true, StatusSupportClosed: true,
			StatusUserClosed: true, StatusIdleTimeout: true, StatusExpired: true, StatusFailed: true,
		},
		StatusHumanHandoff: {
			StatusProgress: true, StatusAgentClosed: true, StatusSupportClosed: true,
			StatusUserClosed: true, StatusFailed: true,
		},
		StatusIdleTimeout: {
			StatusProgress: true, StatusHumanHandoff: true, StatusExpired: true,
			StatusAgentClosed: true, StatusUserClosed: true, StatusFailed: true,
		},
	}

	for _, from := range all {
		for _, to := range all {
			want := from == to || allowed[from][to]
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	all := []Status{
		StatusPending, StatusProgress, StatusHumanHandoff, StatusIdleTimeout,
		StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusExpired, StatusFailed,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if from == to {
				continue
			}
			if from.CanTransitionTo(to) {
				t.Errorf("terminal %s should not transition to %s", from, to)
			}
		}
	}
}

func TestClosurePriority(t *testing.T) {
	if StatusFailed.ClosurePriority() != 1 {
		t.Errorf("failed should rank 1, got %d", StatusFailed.ClosurePriority())
	}
	if StatusUserClosed.ClosurePriority() != 2 {
		t.Errorf("user_closed should rank 2, got %d", StatusUserClosed.ClosurePriority())
	}
	if StatusSupportClosed.ClosurePriority() != 3 {
		t.Errorf("support_closed should rank 3, got %d", StatusSupportClosed.ClosurePriority())
	}
	if StatusAgentClosed.ClosurePriority() != 4 {
		t.Errorf("agent_closed should rank 4, got %d", StatusAgentClosed.ClosurePriority())
	}
	if StatusExpired.ClosurePriority() != 5 || StatusIdleTimeout.ClosurePriority() != 5 {
		t.Error("expired and idle_timeout should share rank 5")
	}
	if StatusProgress.ClosurePriority() != 0 {
		t.Error("non-closure statuses should not participate in priority arbitration")
	}
}
