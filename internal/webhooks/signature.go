package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret. The same
// signature scheme covers both directions: providers sign what they POST to
// us, the webhook worker signs what we POST to them.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CanonicalJSON marshals v with object keys sorted at every level, so the
// signature is stable regardless of field order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return appendCanonical(nil, decoded)
}

func appendCanonical(dst []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			kb, _ := json.Marshal(k)
			dst = append(dst, kb...)
			dst = append(dst, ':')
			var err error
			if dst, err = appendCanonical(dst, val[k]); err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil

	case []any:
		dst = append(dst, '[')
		for i, item := range val {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			if dst, err = appendCanonical(dst, item); err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil

	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("canonical json: %w", err)
		}
		return append(dst, raw...), nil
	}
}
