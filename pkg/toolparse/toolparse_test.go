package toolparse

import "testing"

func TestExtractSingleCall(t *testing.T) {
	text := `Let me check. <tool_use>{"tool":"communicate_with_bob","parameters":{"message":"hi"}}</tool_use> done.`
	calls, cleaned, failures := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "communicate_with_bob" {
		t.Fatalf("unexpected tool name: %s", calls[0].Name)
	}
	if calls[0].Parameters["message"] != "hi" {
		t.Fatalf("unexpected parameters: %+v", calls[0].Parameters)
	}
	if failures != 0 {
		t.Fatalf("unexpected parse failures: %d", failures)
	}
	if cleaned != "Let me check. done." {
		t.Fatalf("unexpected cleaned text: %q", cleaned)
	}
}

func TestExtractMultipleCalls(t *testing.T) {
	text := `<tool_use>{"tool":"a","parameters":{}}</tool_use> and <tool_use>{"tool":"b","parameters":{}}</tool_use>`
	calls, _, _ := Extract(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Fatalf("unexpected order: %+v", calls)
	}
}

func TestExtractNoCalls(t *testing.T) {
	calls, cleaned, failures := Extract("just plain text")
	if calls != nil || failures != 0 {
		t.Fatalf("expected no calls, got %+v failures=%d", calls, failures)
	}
	if cleaned != "just plain text" {
		t.Fatalf("unexpected cleaned text: %q", cleaned)
	}
}

func TestExtractMalformedIsStrippedAndCounted(t *testing.T) {
	text := `before <tool_use>not json</tool_use> after`
	calls, cleaned, failures := Extract(text)
	if len(calls) != 0 {
		t.Fatalf("expected no structured calls from malformed body, got %+v", calls)
	}
	if failures != 1 {
		t.Fatalf("expected 1 parse failure, got %d", failures)
	}
	if cleaned != "before after" {
		t.Fatalf("unexpected cleaned text: %q", cleaned)
	}
}

func TestHasTaggedCall(t *testing.T) {
	if HasTaggedCall("no tags here") {
		t.Fatal("expected false for plain text")
	}
	if !HasTaggedCall(`<tool_use>{"tool":"x","parameters":{}}</tool_use>`) {
		t.Fatal("expected true for tagged text")
	}
}
