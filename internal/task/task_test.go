package task

import "testing"

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCanceled},
		{StatusQueued, StatusFailed},
		{StatusRunning, StatusDone},
		{StatusRunning, StatusSkipped},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCanceled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	terminals := []Status{StatusDone, StatusSkipped, StatusFailed, StatusCanceled}
	all := []Status{StatusQueued, StatusRunning, StatusDone, StatusSkipped, StatusFailed, StatusCanceled}
	for _, from := range terminals {
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}

	if StatusQueued.CanTransition(StatusDone) {
		t.Error("Queued must not jump straight to Done")
	}
	if StatusQueued.CanTransition(StatusSkipped) {
		t.Error("Queued must not jump straight to Skipped")
	}
}

func TestTransitionRejectsTerminalRegression(t *testing.T) {
	tk := New("/tmp/in.pdf", Options{})
	if err := tk.Transition(StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := tk.Transition(StatusDone); err != nil {
		t.Fatal(err)
	}
	if err := tk.Transition(StatusRunning); err == nil {
		t.Error("transition out of Done must fail")
	}
	if tk.Status != StatusDone {
		t.Errorf("status changed to %s after rejected transition", tk.Status)
	}
}

func TestAdvanceProgressMonotonic(t *testing.T) {
	tk := New("/tmp/in.pdf", Options{})
	tk.AdvanceProgress(40)
	tk.AdvanceProgress(20)
	if tk.Progress != 40 {
		t.Errorf("progress regressed to %d", tk.Progress)
	}
	tk.AdvanceProgress(250)
	if tk.Progress != 100 {
		t.Errorf("progress not clamped: %d", tk.Progress)
	}
}

func TestNewIDShape(t *testing.T) {
	id := NewID()
	if len(id) != 12 {
		t.Fatalf("id length = %d, want 12", len(id))
	}
	for _, ch := range id {
		if !(ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'f') {
			t.Fatalf("id %q contains non-hex rune %q", id, ch)
		}
	}
	if NewID() == id {
		t.Error("ids should not repeat")
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusSkipped.Successful() || !StatusDone.Successful() {
		t.Error("Done and Skipped are successful terminals")
	}
	if StatusFailed.Successful() || StatusCanceled.Successful() {
		t.Error("Failed and Canceled are not successful")
	}
	if StatusQueued.Terminal() || StatusRunning.Terminal() {
		t.Error("Queued and Running are not terminal")
	}
}
