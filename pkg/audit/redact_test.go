package audit

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactPayloadHashesSensitiveKeys(t *testing.T) {
	raw := json.RawMessage(`{"message":"my address is 1 Main St","decision":"allow","nested":{"session_id":"s-123","stage":"safety"}}`)
	out := redactPayload(raw, []byte("salt"))

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("redacted payload not json: %v", err)
	}
	s := string(out)
	if strings.Contains(s, "1 Main St") || strings.Contains(s, "s-123") {
		t.Fatalf("sensitive values leaked: %s", s)
	}
	if _, ok := doc["message_hash"]; !ok {
		t.Fatalf("expected message_hash: %s", s)
	}
	if doc["decision"] != "allow" {
		t.Fatalf("non-sensitive key altered: %s", s)
	}
	nested, ok := doc["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested object lost: %s", s)
	}
	if _, ok := nested["session_id_hash"]; !ok || nested["stage"] != "safety" {
		t.Fatalf("nested redaction wrong: %s", s)
	}
}

func TestRedactPayloadSaltChangesHash(t *testing.T) {
	raw := json.RawMessage(`{"message":"same input"}`)
	a := string(redactPayload(raw, []byte("salt-a")))
	b := string(redactPayload(raw, []byte("salt-b")))
	if a == b {
		t.Fatal("different salts must produce different hashes")
	}
}

func TestRedactPayloadInvalidJSON(t *testing.T) {
	out := redactPayload(json.RawMessage(`not json`), nil)
	s := string(out)
	if !strings.Contains(s, "payload_hash") || !strings.Contains(s, "invalid_json") {
		t.Fatalf("expected hashed fallback, got: %s", s)
	}
}

func TestRedactPayloadEmpty(t *testing.T) {
	if out := redactPayload(nil, nil); out != nil {
		t.Fatalf("empty payload must pass through, got %s", out)
	}
}
