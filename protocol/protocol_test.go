package protocol

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"typing","data":{"to":"b","from":"a"}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if ev.Name != Typing {
		t.Errorf("Expected event %q, got %q", Typing, ev.Name)
	}

	var p TypingPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.To != "b" || p.From != "a" {
		t.Errorf("Unexpected payload: %+v", p)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{"", "{}", `{"data":{}}`, "not json"} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", raw)
		}
	}
}

// TestMakeWireFormat фиксирует формат конверта на проводе.
func TestMakeWireFormat(t *testing.T) {
	ev, err := Make(IncomingCall, IncomingCallPayload{From: "a"})
	if err != nil {
		t.Fatalf("Make failed: %v", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	expected := `{"event":"incomingCall","data":{"from":"a"}}`
	if string(raw) != expected {
		t.Errorf("Expected %s, got %s", expected, raw)
	}
}

// TestMakeNoPayload: у callEnded нет поля data.
func TestMakeNoPayload(t *testing.T) {
	ev, err := Make(CallEnded, nil)
	if err != nil {
		t.Fatalf("Make failed: %v", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	expected := `{"event":"callEnded"}`
	if string(raw) != expected {
		t.Errorf("Expected %s, got %s", expected, raw)
	}
}
