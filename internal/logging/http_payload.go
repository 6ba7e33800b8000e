package logging

import (
	"encoding/json"
	"strings"
)

// FormatHTTPPayload normalizes response bodies and event payloads for log
// output. JSON is pretty printed; a JSON string body is unquoted first.
func FormatHTTPPayload(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "<empty>"
	}
	var quoted string
	if err := json.Unmarshal([]byte(trimmed), &quoted); err == nil {
		trimmed = strings.TrimSpace(quoted)
	}
	if pretty, ok := parseJSONStringCandidate(trimmed); ok {
		return pretty
	}
	return trimmed
}
