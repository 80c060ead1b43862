// Package audit holds the pure parts of the audit pipeline: payload redaction and the
// per-tenant hash chain. Nothing in here touches storage.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Mask replaces the value of every sensitive key.
const Mask = "***"

var sensitiveKeys = map[string]struct{}{
	"password":        {},
	"hashed_password": {},
	"token":           {},
	"access_token":    {},
	"refresh_token":   {},
	"secret":          {},
	"api_key":         {},
	"ssn":             {},
	"bank_account":    {},
	"account_number":  {},
	"routing_number":  {},
}

var sensitiveSubstrings = []string{"password", "token", "secret", "key"}

// IsSensitiveKey reports whether values stored under key must be masked.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := sensitiveKeys[lower]; ok {
		return true
	}
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with every sensitive map value replaced by Mask.
// Maps and lists are walked recursively; anything else is returned unchanged.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return RedactMap(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			if IsSensitiveKey(k) {
				out[k] = Mask
				continue
			}
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = RedactMap(item)
		}
		return out
	default:
		return v
	}
}

// RedactMap is Redact for the common map case. A nil map stays nil.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Mask
			continue
		}
		out[k] = Redact(v)
	}
	return out
}

// Normalize converts m into the plain JSON value tree it will be stored as
// (maps, lists, strings, bools, json.Number, nil), so the hash computed at write
// time matches the one recomputed from the stored column.
func Normalize(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return DecodeJSONMap(raw)
}

// DecodeJSONMap decodes a JSON object keeping numbers as json.Number.
// A JSON null decodes to a nil map.
func DecodeJSONMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}
