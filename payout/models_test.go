package payout

import "testing"

func TestStatusMachine(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusRejected},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusRejected},
	}
	for _, tc := range allowed {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusRejected},
		{StatusCompleted, StatusPending},
		{StatusRejected, StatusProcessing},
		{StatusProcessing, StatusPending},
	}
	for _, tc := range denied {
		if canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}
