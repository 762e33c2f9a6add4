package domain

import (
	"testing"
)

const startPosFen = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func Test_JobStatus_Terminal(t *testing.T) {
	terminal := []JobStatus{Finished, Error, Cancelled, Stopped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Expected %v to be terminal", s)
		}
	}

	active := []JobStatus{Pending, Queued, Running}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("Expected %v to not be terminal", s)
		}
	}
}

func Test_JobStatus_WireValues(t *testing.T) {
	// these integer values are fixed by the wire protocol and the
	// history schema, they must never be reordered
	expected := map[JobStatus]int{
		Pending: 0, Queued: 1, Running: 2, Finished: 3,
		Error: 4, Cancelled: 5, Stopped: 6,
	}
	for status, value := range expected {
		if int(status) != value {
			t.Errorf("Expected %v to have wire value %d, got %d", status, value, int(status))
		}
	}

	serverExpected := map[ServerStatus]int{
		ServerUnknown: 0, ServerOnline: 1, ServerDegraded: 2, ServerOffline: 3,
	}
	for status, value := range serverExpected {
		if int(status) != value {
			t.Errorf("Expected %v to have wire value %d, got %d", status, value, int(status))
		}
	}
}

func Test_Score_String(t *testing.T) {
	if s := CpScore(12).String(); s != "12 cp" {
		t.Errorf("Expected '12 cp', got %q", s)
	}
	if s := MateScore(3).String(); s != "M3" {
		t.Errorf("Expected 'M3', got %q", s)
	}
	if s := MateScore(-2).String(); s != "M-2" {
		t.Errorf("Expected 'M-2', got %q", s)
	}
	if s := (Score{}).String(); s != "" {
		t.Errorf("Expected empty string for no score, got %q", s)
	}
}

func Test_SearchLimit_Defaults(t *testing.T) {
	limit := DefaultSearchLimit()
	if limit.Type != LimitDepth || limit.Value != 30 {
		t.Errorf("Expected default limit depth=30, got %v", limit)
	}
	if l := MoveTimeLimit(5000); l.Type != LimitTimeMs || l.Value != 5000 {
		t.Errorf("Expected movetime_ms=5000, got %v", l)
	}
	if l := NodesLimit(100000); l.Type != LimitNodes || l.Value != 100000 {
		t.Errorf("Expected nodes=100000, got %v", l)
	}
}

func Test_ValidateJobDefinition(t *testing.T) {
	if err := ValidateJobDefinition(JobDefinition{Fen: startPosFen}); err != nil {
		t.Errorf("Expected the starting position to validate, got %v", err)
	}

	if err := ValidateJobDefinition(JobDefinition{}); err == nil {
		t.Error("Expected an empty fen to be rejected")
	}

	if err := ValidateJobDefinition(JobDefinition{Fen: "not a position"}); err == nil {
		t.Error("Expected a malformed fen to be rejected")
	}
}

func Test_ValidateMultiPv(t *testing.T) {
	if err := ValidateMultiPv(-1); err == nil {
		t.Error("Expected negative multipv to be rejected")
	}
	if err := ValidateMultiPv(0); err != nil {
		t.Errorf("Expected multipv 0 to be accepted (normalized later), got %v", err)
	}
}
