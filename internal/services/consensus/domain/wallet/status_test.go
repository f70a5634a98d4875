package wallet

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusExpired, true},
		{StatusApproved, StatusExecuted, true},
		{StatusPending, StatusExecuted, false},
		{StatusApproved, StatusPending, false},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusPending, false},
		{StatusRejected, StatusApproved, false},
		{StatusExpired, StatusApproved, false},
		{StatusExpired, StatusPending, false},
		{StatusExecuted, StatusPending, false},
		{StatusExecuted, StatusApproved, false},
		{StatusUnspecified, StatusPending, false},
	}
	for _, tc := range tests {
		if got := IsStatusTransitionAllowed(tc.from, tc.to); got != tc.allowed {
			t.Errorf("transition %s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := ParseStatus(" pending "); !ok || status != StatusPending {
		t.Fatalf("expected PENDING, got %q ok=%v", status, ok)
	}
	if _, ok := ParseStatus("frozen"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestStatusClassification(t *testing.T) {
	for _, status := range []Status{StatusRejected, StatusExpired, StatusExecuted} {
		if !status.IsTerminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	if StatusApproved.IsTerminal() {
		t.Error("APPROVED still admits execution")
	}
	if StatusPending.IsResolved() {
		t.Error("PENDING is not resolved")
	}
	if !StatusApproved.IsResolved() {
		t.Error("APPROVED is resolved")
	}
}
