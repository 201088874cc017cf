package models

import "testing"

func TestSession_IsTerminalRound(t *testing.T) {
	tests := []struct {
		name         string
		currentRound int
		totalRounds  int
		want         bool
	}{
		{"unbounded session never terminal", 50, 0, false},
		{"mid-session", 3, 10, false},
		{"last round", 10, 10, true},
		{"past last round", 11, 10, true},
		{"first of one", 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{CurrentRound: tt.currentRound, TotalRounds: tt.totalRounds}
			if got := s.IsTerminalRound(); got != tt.want {
				t.Errorf("IsTerminalRound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTemporaryModifier_ActiveInRound(t *testing.T) {
	tests := []struct {
		name            string
		round           int
		effectiveRounds int
		check           int
		want            bool
	}{
		{"before window", 3, 2, 2, false},
		{"first round of window", 3, 2, 3, true},
		{"last round of window", 3, 2, 4, true},
		{"after window", 3, 2, 5, false},
		{"single round window", 3, 1, 3, true},
		{"single round window expired", 3, 1, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &TemporaryModifier{Round: tt.round, EffectiveRounds: tt.effectiveRounds}
			if got := m.ActiveInRound(tt.check); got != tt.want {
				t.Errorf("ActiveInRound(%d) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestSessionSettings_Participant(t *testing.T) {
	settings := SessionSettings{
		Participants: []Participant{
			{UserID: "alice", PlayerIndex: 0},
			{UserID: "bob", PlayerIndex: 1},
		},
	}

	if p := settings.Participant("bob"); p == nil || p.PlayerIndex != 1 {
		t.Errorf("Participant(bob) = %+v, want player index 1", p)
	}
	if p := settings.Participant("mallory"); p != nil {
		t.Errorf("Participant(mallory) = %+v, want nil", p)
	}
}

func TestActionsFor(t *testing.T) {
	tests := []struct {
		kind AnomalyKind
		want []RecoveryAction
	}{
		{AnomalyAITimeout, []RecoveryAction{
			RecoveryRetryInference, RecoveryResetToDecision, RecoverySkipRound,
			RecoveryRollbackRound, RecoveryForceNextRound,
		}},
		{AnomalyAIError, []RecoveryAction{
			RecoveryRetryInference, RecoveryResetToDecision, RecoverySkipRound,
			RecoveryRollbackRound, RecoveryForceNextRound,
		}},
		{AnomalyNoDecisions, []RecoveryAction{
			RecoveryResetToDecision, RecoverySkipRound, RecoveryRollbackRound,
		}},
		{AnomalyDataInconsistency, []RecoveryAction{
			RecoveryFixDataInconsistency, RecoveryRollbackRound,
		}},
		{AnomalyKind("bogus"), nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := ActionsFor(tt.kind)
			if len(got) != len(tt.want) {
				t.Fatalf("ActionsFor(%s) returned %d actions, want %d", tt.kind, len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ActionsFor(%s)[%d] = %s, want %s", tt.kind, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestActionsFor_RetryOnlyForAIFailures(t *testing.T) {
	for _, kind := range []AnomalyKind{AnomalyNoDecisions, AnomalyDataInconsistency} {
		for _, act := range ActionsFor(kind) {
			if act == RecoveryRetryInference {
				t.Errorf("retry_inference must not apply to %s", kind)
			}
		}
	}
}
