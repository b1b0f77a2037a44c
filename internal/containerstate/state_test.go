package containerstate

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Creating, Ready, true},
		{Creating, Failed, true},
		{Ready, Allocated, true},
		{Allocated, Ready, true},
		{Creating, Allocated, false},
		{Ready, Creating, false},
		{Ready, Failed, false},
		{Allocated, Failed, true},
		{Failed, Ready, false},
		{Failed, Creating, false},
		{Allocated, Allocated, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Creating:  "CREATING",
		Ready:     "READY",
		Allocated: "ALLOCATED",
		Failed:    "FAILED",
		State(99): "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestStateMarshalJSON(t *testing.T) {
	data, err := Ready.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON returned error: %v", err)
	}
	if string(data) != `"READY"` {
		t.Errorf("MarshalJSON() = %s, want \"READY\"", data)
	}
}
