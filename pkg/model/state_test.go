package model

import "testing"

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusNone, false},
		{JobStatusPending, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
		{JobStatusInfraError, true},
		{JobStatusTimeout, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("JobStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  JobStatus
		to    JobStatus
		valid bool
	}{
		// Valid transitions
		{JobStatusNone, JobStatusPending, true},
		{JobStatusNone, JobStatusRunning, true},
		{JobStatusPending, JobStatusPending, true},
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusInfraError, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusInfraError, true},
		{JobStatusRunning, JobStatusTimeout, true},

		// Terminal states re-accept self, PENDING and RUNNING
		{JobStatusCompleted, JobStatusCompleted, true},
		{JobStatusCompleted, JobStatusPending, true},
		{JobStatusCompleted, JobStatusRunning, true},
		{JobStatusFailed, JobStatusPending, true},
		{JobStatusCancelled, JobStatusRunning, true},
		{JobStatusInfraError, JobStatusPending, true},
		{JobStatusTimeout, JobStatusRunning, true},

		// Invalid transitions
		{JobStatusNone, JobStatusCompleted, false},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusPending, JobStatusTimeout, false},
		{JobStatusRunning, JobStatusCancelled, false},
		{JobStatusRunning, JobStatusPending, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatusCancelled, JobStatusTimeout, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("JobStatus(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestJobStatus_AllowedTransitions(t *testing.T) {
	allowed := JobStatusPending.AllowedTransitions()
	if len(allowed) != 5 {
		t.Errorf("PENDING allows %d transitions, want 5: %v", len(allowed), allowed)
	}
	for _, next := range allowed {
		if !JobStatusPending.CanTransitionTo(next) {
			t.Errorf("AllowedTransitions lists %q but CanTransitionTo rejects it", next)
		}
	}
}

func TestJob_ForAllStudents(t *testing.T) {
	tests := []struct {
		netIDs []string
		want   bool
	}{
		{[]string{AllStudents}, true},
		{[]string{"alice1"}, false},
		{[]string{"alice1", "bob2"}, false},
		{[]string{AllStudents, "alice1"}, false},
	}
	for _, tt := range tests {
		j := &Job{NetIDs: tt.netIDs}
		if got := j.ForAllStudents(); got != tt.want {
			t.Errorf("Job{NetIDs: %v}.ForAllStudents() = %v, want %v", tt.netIDs, got, tt.want)
		}
	}
}
