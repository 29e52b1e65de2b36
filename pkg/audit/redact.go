package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// sensitiveKeys are replaced with a salted hash when redaction is on.
// Structure and non-sensitive metadata survive for investigation.
var sensitiveKeys = map[string]struct{}{
	"message":        {},
	"raw_input":      {},
	"safe_output":    {},
	"response":       {},
	"summary":        {},
	"session_id":     {},
	"user_id":        {},
	"owner":          {},
	"requester_id":   {},
	"email":          {},
	"phone":          {},
	"address":        {},
	"params":         {},
	"safety_payload": {},
}

func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		payload := map[string]any{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	b, _ := json.Marshal(redactValue(doc, salt))
	return b
}

func redactValue(v any, salt []byte) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, sensitive := sensitiveKeys[k]; sensitive {
				out[k+"_hash"] = hashValue(val, salt)
				continue
			}
			out[k] = redactValue(val, salt)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val, salt)
		}
		return out
	default:
		return v
	}
}

func hashValue(v any, salt []byte) string {
	if s, ok := v.(string); ok {
		return hashString(s, salt)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return hashBytes(raw, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
