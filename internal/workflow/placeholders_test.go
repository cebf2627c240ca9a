package workflow

import "testing"

func TestExpandResolvesBothSyntaxes(t *testing.T) {
	scope := Scope{
		Transcript: "ticket body",
		Prior: []StageResult{
			{StageID: "s1", CombinedText: "summary", PerModelText: map[string]string{"gpt-4o": "summary"}},
			{StageID: "s2", CombinedText: "draft", PerModelText: map[string]string{"gemini-2.5-pro": "gemini draft"}},
		},
		Named: map[string]string{"PAST_TICKETS": "older tickets", "TRANSCRIPT": "shadowed"},
	}
	template := "{{TRANSCRIPT}}|@#RD_1_COMBINED#@|{{ PRV_RD_OUTPUT }}|@#RD_2_AI_gemini-2.5-pro#@|@#PAST_TICKETS#@|@#UNKNOWN#@|{{RD_9_COMBINED}}"
	want := "ticket body|summary|draft|gemini draft|older tickets|@#UNKNOWN#@|{{RD_9_COMBINED}}"
	if got := Expand(template, scope); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestExpandPreviousOutputOnFirstStage(t *testing.T) {
	if got := Expand("[{{PRV_RD_OUTPUT}}]", Scope{}); got != "[]" {
		t.Fatalf("expected empty previous output, got %q", got)
	}
}

func TestExpandDoesNotReexpandValues(t *testing.T) {
	scope := Scope{Transcript: "user wrote @#PAST_TICKETS#@", Named: map[string]string{"PAST_TICKETS": "x"}}
	if got := Expand("{{TRANSCRIPT}}", scope); got != "user wrote @#PAST_TICKETS#@" {
		t.Fatalf("expected transcript kept literally, got %q", got)
	}
	if got := Expand("@#TRANSCRIPT#@", Scope{Transcript: "{{PAST_TICKETS}}", Named: map[string]string{"PAST_TICKETS": "x"}}); got != "{{PAST_TICKETS}}" {
		t.Fatalf("expected hash values kept literally, got %q", got)
	}
}

func TestInstructionKey(t *testing.T) {
	if got := InstructionKey(ScopeContext, "ticket-7", "s2"); got != "ticket-7" {
		t.Fatalf("expected context key, got %q", got)
	}
	if got := InstructionKey(ScopeStage, "ticket-7", "s2"); got != "ticket-7::s2" {
		t.Fatalf("expected stage key, got %q", got)
	}
	if got := WithInstructions("  be brief ", "prompt"); got != "be brief\n\nprompt" {
		t.Fatalf("unexpected prefix %q", got)
	}
	if got := WithInstructions("", "prompt"); got != "prompt" {
		t.Fatalf("expected prompt unchanged, got %q", got)
	}
}

func TestCombine(t *testing.T) {
	if got := Combine([]string{"m1"}, map[string]string{"m1": "only"}); got != "only" {
		t.Fatalf("expected single text, got %q", got)
	}
	got := Combine([]string{"m2", "m1", "m3"}, map[string]string{"m1": "one", "m2": "two"})
	if got != "### m2\ntwo\n\n### m1\none" {
		t.Fatalf("unexpected combined text %q", got)
	}
}

func TestPhaseTransitions(t *testing.T) {
	if err := PhasePending.next(PhaseSending); err != nil {
		t.Fatalf("expected pending -> sending, got %v", err)
	}
	if err := PhasePending.next(PhasePersisted); err == nil {
		t.Fatal("expected pending -> persisted to be rejected")
	}
	if err := PhaseStreaming.next(PhaseCancelled); err != nil {
		t.Fatalf("expected cancel from streaming, got %v", err)
	}
	if err := PhaseDone.next(PhaseFailed); err == nil {
		t.Fatal("expected terminal phase to reject transitions")
	}
}

func TestValidate(t *testing.T) {
	valid := Workflow{ID: "w", Stages: []Stage{{ID: "s1", PromptTemplate: "p", Models: []string{"m"}}}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid workflow, got %v", err)
	}
	cases := []Workflow{
		{ID: "w"},
		{ID: "w", ConnectionMode: "carrier-pigeon", Stages: valid.Stages},
		{ID: "w", Stages: []Stage{{ID: "s1", PromptTemplate: "p"}}},
		{ID: "w", Stages: []Stage{{ID: "a::b", PromptTemplate: "p", Models: []string{"m"}}}},
		{ID: "w", Stages: append(append([]Stage{}, valid.Stages...), valid.Stages...)},
	}
	for i, workflow := range cases {
		if err := workflow.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
