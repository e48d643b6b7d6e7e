package core

import (
	"testing"
	"time"
)

func TestNewBudgetNeverNegative(t *testing.T) {
	for _, used := range []int{11, 12, 50, 1000} {
		b := NewBudget("messages", time.Hour, 10, used)
		if b.Remaining != 0 {
			t.Fatalf("used=%d: expected remaining 0, got %d", used, b.Remaining)
		}
		if b.CanAct {
			t.Fatalf("used=%d: expected CanAct=false", used)
		}
	}
}

func TestNewBudgetDisabledWhenMaxNotPositive(t *testing.T) {
	for _, max := range []int{0, -3} {
		b := NewBudget("reactions", time.Hour, max, 0)
		if b.CanAct {
			t.Fatalf("max=%d: expected CanAct=false", max)
		}
		if b.Remaining != 0 {
			t.Fatalf("max=%d: expected remaining 0, got %d", max, b.Remaining)
		}
	}
}

func TestNewBudgetRemaining(t *testing.T) {
	b := NewBudget("messages", time.Hour, 20, 7)
	if b.Remaining != 13 || !b.CanAct {
		t.Fatalf("unexpected budget: %+v", b)
	}
}

func TestAddressSignalValidate(t *testing.T) {
	ok := AddressSignal{Triggered: true, Inferred: true, Confidence: 0.7, Threshold: 0.62}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := AddressSignal{Triggered: true, Confidence: 0.3, Threshold: 0.62}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected invariant violation")
	}
	direct := AddressSignal{Triggered: true, Direct: true, Confidence: 0, Threshold: 0.62}
	if err := direct.Validate(); err != nil {
		t.Fatalf("direct signal should be valid: %v", err)
	}
}

func TestAddressSignalWidenNeverNarrows(t *testing.T) {
	a := AddressSignal{Inferred: true, Triggered: true, Confidence: 0.8, Threshold: 0.62, Source: SourceLLM, Reason: "asked a question"}
	b := AddressSignal{Confidence: 0.1, Threshold: 0.62, Source: SourceFallback, Reason: "no_context"}

	merged := a.Widen(b)
	if merged.Confidence != 0.8 || !merged.Triggered || !merged.Inferred {
		t.Fatalf("merge narrowed the signal: %+v", merged)
	}
	if merged.Source != SourceLLM {
		t.Fatalf("expected llm source kept, got %s", merged.Source)
	}

	merged = b.Widen(AddressSignal{Direct: true, Triggered: true, Confidence: 1, Threshold: 0.62})
	if !merged.Direct || merged.Reason != "direct" || merged.Source != SourceDirect {
		t.Fatalf("expected direct escalation, got %+v", merged)
	}
}

func TestIncomingEventMentions(t *testing.T) {
	ev := IncomingEvent{MentionIDs: []string{"u1", "bot"}}
	if !ev.Mentions("bot") {
		t.Fatal("expected mention")
	}
	if ev.Mentions("") || ev.Mentions("u2") {
		t.Fatal("unexpected mention")
	}
}

func TestParseActionKind(t *testing.T) {
	for _, k := range actionKinds {
		got, err := ParseActionKind(string(k))
		if err != nil || got != k {
			t.Fatalf("%s: got %q, %v", k, got, err)
		}
	}
	if _, err := ParseActionKind("sent_replies"); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}
