package board

import (
	"encoding/json"
	"testing"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	document := json.RawMessage(`{"id":"item-1","type":"sticky_note","data":{"content":"hello"}}`)

	first, err := Fingerprint(document)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Fingerprint(document)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical fingerprints, got %s and %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(first))
	}
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	ordered := json.RawMessage(`{"id":"item-1","type":"sticky_note"}`)
	reordered := json.RawMessage(`{"type":"sticky_note","id":"item-1"}`)

	first, err := Fingerprint(ordered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Fingerprint(reordered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("key order should not change the fingerprint")
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	base := json.RawMessage(`{"id":"item-1","data":{"content":"hello"}}`)
	changed := json.RawMessage(`{"id":"item-1","data":{"content":"hello!"}}`)

	first, err := Fingerprint(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Fingerprint(changed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("changed content must change the fingerprint")
	}
}

func TestFingerprintRejectsInvalidJSON(t *testing.T) {
	if _, err := Fingerprint(json.RawMessage(`{"id":`)); err == nil {
		t.Fatalf("expected an error for invalid json")
	}
}
