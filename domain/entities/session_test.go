package entities

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSessionCreation(t *testing.T) {
	id := uuid.New()
	session := NewSession(id)

	if session.ID != id {
		t.Errorf("Expected session id %s, got %s", id, session.ID)
	}

	if session.State() != SessionStateConnecting {
		t.Errorf("Expected state %s, got %s", SessionStateConnecting, session.State())
	}

	if session.PendingCount() != 0 {
		t.Errorf("Expected no pending utterances, got %d", session.PendingCount())
	}
}

func TestSessionLifecycle(t *testing.T) {
	session := NewSession(uuid.New())

	steps := []SessionState{
		SessionStateActive,
		SessionStateDraining,
		SessionStateClosed,
	}
	for _, to := range steps {
		if err := session.Transition(to); err != nil {
			t.Fatalf("Transition to %s failed: %v", to, err)
		}
		if session.State() != to {
			t.Errorf("Expected state %s, got %s", to, session.State())
		}
	}

	// Closed is terminal
	if err := session.Transition(SessionStateActive); err == nil {
		t.Error("Expected transition out of closed state to fail")
	}
}

func TestSessionReconnectCycle(t *testing.T) {
	session := NewSession(uuid.New())
	if err := session.Transition(SessionStateActive); err != nil {
		t.Fatalf("Transition to active failed: %v", err)
	}

	if err := session.Transition(SessionStateReconnecting); err != nil {
		t.Fatalf("Transition to reconnecting failed: %v", err)
	}

	if session.GraceExpired(time.Hour) {
		t.Error("Grace should not expire immediately after disconnect")
	}

	time.Sleep(5 * time.Millisecond)
	if !session.GraceExpired(time.Millisecond) {
		t.Error("Grace should expire once the disconnect outlives the period")
	}

	// Resuming clears the disconnect clock
	if err := session.Transition(SessionStateActive); err != nil {
		t.Fatalf("Resume to active failed: %v", err)
	}
	if session.GraceExpired(0) {
		t.Error("Active session should never report an expired grace period")
	}
}

func TestSessionInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from SessionState
		to   SessionState
	}{
		{"connecting to draining", SessionStateConnecting, SessionStateDraining},
		{"connecting to reconnecting", SessionStateConnecting, SessionStateReconnecting},
		{"draining to active", SessionStateDraining, SessionStateActive},
		{"draining to reconnecting", SessionStateDraining, SessionStateReconnecting},
		{"closed to active", SessionStateClosed, SessionStateActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewSession(uuid.New())
			session.state = tt.from

			err := session.Transition(tt.to)
			if err == nil {
				t.Fatalf("Expected transition %s -> %s to fail", tt.from, tt.to)
			}

			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Fatalf("Expected InvalidTransitionError, got %T", err)
			}
			if invalid.From != tt.from || invalid.To != tt.to {
				t.Errorf("Expected error for %s -> %s, got %s -> %s", tt.from, tt.to, invalid.From, invalid.To)
			}
		})
	}
}

func TestSessionCheckSequence(t *testing.T) {
	session := NewSession(uuid.New())

	for seq := uint64(0); seq < 3; seq++ {
		if err := session.CheckSequence(seq); err != nil {
			t.Errorf("Expected no gap at sequence %d, got %v", seq, err)
		}
	}

	err := session.CheckSequence(7)
	if err == nil {
		t.Fatal("Expected a gap error when sequences are skipped")
	}
	var gap *SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("Expected SequenceGapError, got %T", err)
	}
	if gap.Expected != 3 || gap.Got != 7 {
		t.Errorf("Expected gap 3..7, got %d..%d", gap.Expected, gap.Got)
	}
	if gap.Missing() != 4 {
		t.Errorf("Expected 4 missing chunks, got %d", gap.Missing())
	}

	// The stream resumes after the gap without further errors
	if err := session.CheckSequence(8); err != nil {
		t.Errorf("Expected stream to resume after gap, got %v", err)
	}
}

func TestSessionOpenUtterance(t *testing.T) {
	session := NewSession(uuid.New())

	if err := session.OpenUtterance(1); err != nil {
		t.Fatalf("Opening utterance 1 failed: %v", err)
	}
	if err := session.OpenUtterance(2); err != nil {
		t.Fatalf("Opening utterance 2 failed: %v", err)
	}

	// Reuse and regression are both rejected
	if err := session.OpenUtterance(2); err == nil {
		t.Error("Expected reused utterance id to be rejected")
	}
	if err := session.OpenUtterance(1); err == nil {
		t.Error("Expected regressing utterance id to be rejected")
	}

	if session.LastUtterance() != 2 {
		t.Errorf("Expected last utterance 2, got %d", session.LastUtterance())
	}
}

func TestSessionPendingStages(t *testing.T) {
	session := NewSession(uuid.New())

	for id := UtteranceID(1); id <= 3; id++ {
		if err := session.OpenUtterance(id); err != nil {
			t.Fatalf("Opening utterance %d failed: %v", id, err)
		}
	}

	session.SetStage(1, TaskStageTranscribing)
	session.SetStage(2, TaskStageSynthesizing)

	pending := session.Pending()
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending utterances, got %d", len(pending))
	}
	for i, id := range pending {
		if id != UtteranceID(i+1) {
			t.Errorf("Expected pending id %d at position %d, got %d", i+1, i, id)
		}
	}

	session.SetStage(1, TaskStageDone)
	session.SetStage(2, TaskStageFailed)
	if session.PendingCount() != 1 {
		t.Errorf("Expected 1 pending utterance after completion, got %d", session.PendingCount())
	}
}

func TestSessionClosedReleasesState(t *testing.T) {
	session := NewSession(uuid.New())
	if err := session.Transition(SessionStateActive); err != nil {
		t.Fatalf("Transition to active failed: %v", err)
	}
	if err := session.OpenUtterance(1); err != nil {
		t.Fatalf("Opening utterance failed: %v", err)
	}

	if err := session.Transition(SessionStateClosed); err != nil {
		t.Fatalf("Transition to closed failed: %v", err)
	}

	if session.PendingCount() != 0 {
		t.Errorf("Expected pending mapping released on close, got %d entries", session.PendingCount())
	}
	if err := session.OpenUtterance(2); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after close, got %v", err)
	}
}
