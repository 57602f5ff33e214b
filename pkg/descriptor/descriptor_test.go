package descriptor

import "testing"

func TestValidateRejectsBadName(t *testing.T) {
	d := Descriptor{Name: "bad name!", Provider: "anthropic", Model: "x", Role: "y", PeerPort: 9000}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for unsafe name")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	d := Descriptor{Name: "alice", Provider: "anthropic", Model: "x", Role: "y", PeerPort: 0}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for zero port")
	}
}

func TestValidateAccepts(t *testing.T) {
	d := Descriptor{Name: "alice", Provider: "anthropic", Model: "claude-sonnet", Role: "helpful assistant", PeerPort: 9001}
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ControlSocketName() != "agent-alice.sock" {
		t.Fatalf("unexpected socket name: %s", d.ControlSocketName())
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	data := []byte(`
agents:
  - name: alice
    provider: anthropic
    model: claude-sonnet
    role: helpful
    peer_port: 9001
    bogus_field: true
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected strict decode to reject unknown field")
	}
}

func TestParseRejectsDuplicateNames(t *testing.T) {
	data := []byte(`
agents:
  - name: alice
    provider: anthropic
    model: m
    role: r
    peer_port: 9001
  - name: alice
    provider: anthropic
    model: m
    role: r
    peer_port: 9002
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestParseRejectsDuplicatePorts(t *testing.T) {
	data := []byte(`
agents:
  - name: alice
    provider: anthropic
    model: m
    role: r
    peer_port: 9001
  - name: bob
    provider: anthropic
    model: m
    role: r
    peer_port: 9001
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for duplicate port")
	}
}

func TestParseValid(t *testing.T) {
	data := []byte(`
agents:
  - name: alice
    provider: anthropic
    model: claude-sonnet
    role: helpful assistant
    peer_port: 9001
  - name: bob
    provider: openai
    model: gpt-5
    role: geography expert
    peer_port: 9002
`)
	ds, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(ds))
	}
}
