package types

import (
	"encoding/json"
	"testing"
)

func TestTerminalStatuses(t *testing.T) {
	terminal := []SessionStatus{StatusCompleted, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []SessionStatus{
		StatusCreated, StatusAwaitingConfirmation, StatusSelectionRejected,
		StatusTableConfirmed, StatusTransformationReady,
		StatusTransformationApplied, StatusTransformationRejected,
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusCreated, StatusAwaitingConfirmation, true},
		{StatusAwaitingConfirmation, StatusTransformationReady, true},
		{StatusSelectionRejected, StatusAwaitingConfirmation, true},
		{StatusTableConfirmed, StatusAwaitingConfirmation, true},
		{StatusTransformationReady, StatusTransformationApplied, true},
		{StatusTransformationReady, StatusCancelled, true},
		{StatusCreated, StatusCancelled, true},
		{StatusAwaitingConfirmation, StatusCancelled, true},
		{StatusTableConfirmed, StatusCancelled, true},
		{StatusTransformationApplied, StatusCancelled, false},
		{StatusTransformationApplied, StatusCompleted, true},
		{StatusCreated, StatusCompleted, false},
		{StatusCompleted, StatusAwaitingConfirmation, false},
		{StatusCancelled, StatusAwaitingConfirmation, false},
		{StatusCreated, StatusTransformationApplied, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestResponseUnionStages(t *testing.T) {
	responses := []Response{
		&IntentSuggestion{Stage: StageIntentSuggestion},
		&ConfirmationRequest{Stage: StageConfirmationRequest},
		&PreviewReady{Stage: StagePreviewReady},
		&ApplyResult{Stage: StageApplyResult},
		&SessionCancelled{Stage: StageSessionCancelled},
	}
	want := []Stage{StageIntentSuggestion, StageConfirmationRequest, StagePreviewReady, StageApplyResult, StageSessionCancelled}
	for i, r := range responses {
		if r.ResponseStage() != want[i] {
			t.Errorf("response %d: stage %s, want %s", i, r.ResponseStage(), want[i])
		}
	}
}

func TestIntentSuggestionRoundTrip(t *testing.T) {
	in := &IntentSuggestion{
		Stage:   StageIntentSuggestion,
		Message: "I understand you want to move associates.",
		IntentAnalysis: &IntentAnalysis{
			Intent:    "move data",
			Operation: "update_location",
			Entities:  []Entity{{Type: "table", Text: "Associates", Role: "target"}},
			Concepts:  []string{"legal entity", "office location"},
		},
		Candidates:           []TableCandidate{{TableName: "Associates", Score: 3.2}},
		RequiresConfirmation: true,
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out IntentSuggestion
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.RequiresConfirmation {
		t.Error("requiresConfirmation lost in round trip")
	}
	if len(out.Candidates) != 1 || out.Candidates[0].TableName != "Associates" {
		t.Errorf("candidates lost in round trip: %+v", out.Candidates)
	}
}
