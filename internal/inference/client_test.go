package inference

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "plain object",
			content: `{"narrative": "the storm hits", "deltas": {"weather": "storm"}}`,
		},
		{
			name:    "narrative only",
			content: `{"narrative": "nothing happens"}`,
		},
		{
			name:    "deltas only",
			content: `{"deltas": {"gold": 10}}`,
		},
		{
			name:    "fenced json",
			content: "```json\n" + `{"narrative": "the gate opens"}` + "\n```",
		},
		{
			name:    "not json",
			content: "The storm hits the village.",
			wantErr: true,
		},
		{
			name:    "empty object",
			content: `{}`,
			wantErr: true,
		},
		{
			name:    "wrong shape",
			content: `{"narrative": "", "deltas": {}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutcome(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("error %v does not wrap ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOutcome() error = %v", err)
			}
			if !got.Valid() {
				t.Error("parsed outcome fails its own validation")
			}
		})
	}
}

func TestParseOutcome_ModifierProgress(t *testing.T) {
	got, err := ParseOutcome(`{
		"narrative": "the plague spreads",
		"modifier_progress": {"9f1c": {"infected": 3}}
	}`)
	if err != nil {
		t.Fatalf("ParseOutcome() error = %v", err)
	}
	raw, ok := got.ModifierProgress["9f1c"]
	if !ok {
		t.Fatal("modifier progress dropped")
	}
	var progress map[string]int
	if err := json.Unmarshal(raw, &progress); err != nil {
		t.Fatalf("progress blob: %v", err)
	}
	if progress["infected"] != 3 {
		t.Errorf("infected = %d, want 3", progress["infected"])
	}
}

func TestOutcomeValid(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    bool
	}{
		{"narrative", Outcome{Narrative: "x"}, true},
		{"deltas", Outcome{Deltas: map[string]json.RawMessage{"k": json.RawMessage(`1`)}}, true},
		{"empty", Outcome{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
