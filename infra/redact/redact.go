// Package redact masks credentials and card data before anything reaches a log or audit sink.
package redact

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

// maxText bounds how much of a non-JSON body is kept
const maxText = 512

// key classes, matched against the lower-cased key with separators removed
var (
	secretKeys = []string{"apikey", "secretkey", "secret", "password", "authorization", "privatekey"}
	cardKeys   = []string{"cardnumber", "pan", "creditcard"}
	cvvKeys    = []string{"cvv", "cvc", "cvc2", "securitycode"}
)

// panPattern finds card-number-like digit runs inside free text
var panPattern = regexp.MustCompile(`\b[0-9](?:[ -]?[0-9]){12,18}\b`)

func normaliseKey(key string) string {
	k := strings.ToLower(key)
	k = strings.ReplaceAll(k, "_", "")
	k = strings.ReplaceAll(k, "-", "")
	return k
}

func matches(key string, classes []string) bool {
	for _, c := range classes {
		if key == c || strings.HasSuffix(key, c) {
			return true
		}
	}
	return false
}

// Map returns a redacted deep copy of data
func Map(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for key, value := range data {
		out[key] = field(key, value)
	}
	return out
}

// Value redacts an arbitrary decoded JSON value
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Map(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Value(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Map(item)
		}
		return out
	case string:
		return String(t)
	case json.Number:
		if looksLikePAN(string(t)) {
			return CardNumber(string(t))
		}
		return v
	default:
		return v
	}
}

// looksLikePAN reports whether s is a bare run of 12 to 19 digits
func looksLikePAN(s string) bool {
	if len(s) < 12 || len(s) > 19 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func field(key string, value any) any {
	k := normaliseKey(key)

	switch {
	case matches(k, cvvKeys):
		return "***"
	case matches(k, cardKeys):
		switch t := value.(type) {
		case string:
			return CardNumber(t)
		case json.Number:
			return CardNumber(string(t))
		}
		return redacted
	case matches(k, secretKeys):
		return redacted
	default:
		return Value(value)
	}
}

// CardNumber keeps only the first six and last four digits
func CardNumber(number string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)

	if len(digits) < 12 {
		return "****"
	}
	return digits[:6] + strings.Repeat("*", len(digits)-10) + digits[len(digits)-4:]
}

// String masks card numbers embedded in free text
func String(s string) string {
	return panPattern.ReplaceAllStringFunc(s, CardNumber)
}

// JSON decodes body and returns its redacted form. Non-JSON bodies are masked as text.
func JSON(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return truncate(String(string(body)), maxText)
	}
	return Value(decoded)
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut] + "..."
}

// Headers returns a copy of headers with credential headers masked
func Headers(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if matches(normaliseKey(k), secretKeys) {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}
