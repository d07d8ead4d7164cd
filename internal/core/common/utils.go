package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput marks completion responses that failed strict parsing.
// It is distinct from transport errors; both are retried by the owning stage,
// but exhaustion degrades to the stage's documented default, never a crash.
var ErrMalformedOutput = errors.New("malformed completion output")

// CleanResponse strips reasoning tags and markdown code fences so the payload
// can be parsed. Thinking-model responses carry a </think> preamble; many
// models wrap JSON in ```json fences.
func CleanResponse(response string) string {
	s := strings.TrimSpace(response)

	if idx := strings.LastIndex(s, "</think>"); idx != -1 {
		s = strings.TrimSpace(s[idx+len("</think>"):])
	}

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimSpace(s[len("```json"):])
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimSpace(s[len("```"):])
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSpace(s[:len(s)-len("```")])
	}

	return s
}

// ParseJSON cleans and unmarshals a JSON payload into T. It handles common
// LLM quirks: surrounding prose, reasoning preambles and markdown fences.
// Failures wrap ErrMalformedOutput.
func ParseJSON[T any](response string) (T, error) {
	var zero T
	s := CleanResponse(response)

	var result T
	if err := json.Unmarshal([]byte(s), &result); err == nil {
		return result, nil
	}

	// Fall back to the outermost JSON object or array embedded in the text.
	start := -1
	for _, ch := range []string{"{", "["} {
		if idx := strings.Index(s, ch); idx != -1 && (start == -1 || idx < start) {
			start = idx
		}
	}
	end := max(strings.LastIndex(s, "}"), strings.LastIndex(s, "]"))

	if start == -1 || end == -1 || end <= start {
		return zero, fmt.Errorf("%w: no JSON payload found in response", ErrMalformedOutput)
	}

	if err := json.Unmarshal([]byte(s[start:end+1]), &result); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	return result, nil
}

// StripCodeFences extracts source code from a completion response, removing
// reasoning preambles and ```python / ``` markers.
func StripCodeFences(response string) string {
	s := strings.TrimSpace(response)

	if idx := strings.LastIndex(s, "</think>"); idx != -1 {
		s = strings.TrimSpace(s[idx+len("</think>"):])
	}

	if strings.HasPrefix(s, "```python") {
		s = strings.TrimSpace(s[len("```python"):])
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimSpace(s[3:])
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSpace(s[:len(s)-3])
	}

	return s
}

// NormalizeCallStatement keeps call statements as plain call expressions: the
// sandbox wrapper adds the print itself, so a model-emitted print(...) is
// unwrapped.
func NormalizeCallStatement(stmt string) string {
	s := strings.TrimSpace(stmt)
	if strings.HasPrefix(s, "print(") && strings.HasSuffix(s, ")") {
		inner := strings.TrimSpace(s[len("print(") : len(s)-1])
		if inner != "" {
			return inner
		}
	}
	return s
}
