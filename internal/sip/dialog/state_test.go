package dialog

import "testing"

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateInitial, StateEarly, true},
		{StateInitial, StateConfirmed, false},
		{StateEarly, StateWaitingACK, true},
		{StateWaitingACK, StateConfirmed, true},
		{StateConfirmed, StateTerminating, true},
		{StateTerminated, StateEarly, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !StateTerminated.IsTerminal() {
		t.Error("StateTerminated should be terminal")
	}
	if StateConfirmed.IsTerminal() {
		t.Error("StateConfirmed should not be terminal")
	}
}
