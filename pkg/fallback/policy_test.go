package fallback

import "testing"

func TestDefaultPolicyFrustrationThreshold(t *testing.T) {
	p := NewDefaultPolicy(PolicyConfig{})
	state := &EscalationState{}
	if d := p.Evaluate(state, "this is ridiculous"); d.Escalate {
		t.Fatalf("one signal must not escalate")
	}
	d := p.Evaluate(state, "you're not listening to me")
	if !d.Escalate || d.Reason != ReasonCallerFrustrated {
		t.Fatalf("expected frustration escalation, got %+v", d)
	}
}

func TestDefaultPolicyOffTopicSuppressedAfterTask(t *testing.T) {
	p := NewDefaultPolicy(PolicyConfig{OffTopicThreshold: 2})
	state := &EscalationState{}
	p.MarkTaskCompleted(state)
	for i := 0; i < 3; i++ {
		d := p.Evaluate(state, "what's the weather like")
		if d.Escalate {
			t.Fatalf("off-topic must not escalate after task completion")
		}
		if d.Deflection == "" {
			t.Fatalf("expected deflection line")
		}
	}

	fresh := &EscalationState{}
	_ = p.Evaluate(fresh, "tell me a joke")
	d := p.Evaluate(fresh, "tell me a joke")
	if !d.Escalate || d.Reason != ReasonRepeatedOffTopic {
		t.Fatalf("expected off-topic escalation, got %+v", d)
	}
}

func TestDefaultPolicyFailureThresholdAboveRetryCeiling(t *testing.T) {
	p := NewDefaultPolicy(PolicyConfig{})
	if p.ShouldEscalateOnFailures(&EscalationState{}, 3) {
		t.Fatalf("three failures must be left to the retry ceiling")
	}
	if !p.ShouldEscalateOnFailures(&EscalationState{}, 4) {
		t.Fatalf("expected escalation at four failures")
	}
}

func TestPromptPools(t *testing.T) {
	fixed := NewFixedPool("a", "b")
	if fixed.Next() != "a" || fixed.Next() != "b" || fixed.Next() != "a" {
		t.Fatalf("fixed pool must cycle in order")
	}
	r1 := NewRandomPool([]string{"x", "y", "z"}, 42)
	r2 := NewRandomPool([]string{"x", "y", "z"}, 42)
	for i := 0; i < 10; i++ {
		if r1.Next() != r2.Next() {
			t.Fatalf("same seed must give same sequence")
		}
	}
}

func TestRegistryDiscard(t *testing.T) {
	r := NewRegistry()
	esc, retry := r.Get("CA1")
	retry.TotalRetries = 2
	esc2, retry2 := r.Get("CA1")
	if esc != esc2 || retry2.TotalRetries != 2 {
		t.Fatalf("expected same state for same call")
	}
	r.Discard("CA1")
	r.Discard("CA1")
	if r.Len() != 0 {
		t.Fatalf("expected state discarded")
	}
	_, fresh := r.Get("CA1")
	if fresh.TotalRetries != 0 {
		t.Fatalf("expected fresh state after discard")
	}
}
