// Package extract recovers JSON values from free-form model output.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

var noise = regexp.MustCompile("(?i)</?s>|```json|```")

// JSON returns the first JSON array or object embedded in raw, or nil when
// nothing parses. Arrays are tried before objects; each candidate spans from
// the first opening bracket to the last closing one.
func JSON(raw string) any {
	cleaned := strings.TrimSpace(noise.ReplaceAllString(raw, ""))
	if cleaned == "" {
		return nil
	}
	if v, ok := span(cleaned, '[', ']'); ok {
		return v
	}
	if v, ok := span(cleaned, '{', '}'); ok {
		return v
	}
	return nil
}

// Object returns the first JSON object embedded in raw, ignoring arrays. Use
// it when the expected response is a single object that may itself contain
// arrays.
func Object(raw string) map[string]any {
	cleaned := strings.TrimSpace(noise.ReplaceAllString(raw, ""))
	v, ok := span(cleaned, '{', '}')
	if !ok {
		return nil
	}
	obj, _ := v.(map[string]any)
	return obj
}

func span(s string, open, close byte) (any, bool) {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return nil, false
	}
	end := strings.LastIndexByte(s, close)
	if end <= start {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return nil, false
	}
	return v, true
}
