package master

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "Stopped"},
		{StateStarting, "Starting"},
		{StateRunning, "Running"},
		{StateStopping, "Stopping"},
		{State(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"stopped to starting", StateStopped, StateStarting, true},
		{"starting to running", StateStarting, StateRunning, true},
		{"starting unwinds to stopped", StateStarting, StateStopped, true},
		{"starting cut short", StateStarting, StateStopping, true},
		{"running to stopping", StateRunning, StateStopping, true},
		{"stopping to stopped", StateStopping, StateStopped, true},

		{"stopped to running", StateStopped, StateRunning, false},
		{"stopped to stopping", StateStopped, StateStopping, false},
		{"running to starting", StateRunning, StateStarting, false},
		{"running to stopped", StateRunning, StateStopped, false},
		{"stopping to running", StateStopping, StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("validTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
