package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PlanEntry is one element of the JSON array the LLM is asked to
// return.
type PlanEntry struct {
	ExecutorHostIP string `json:"executor_host_ip"`
	Plan           string `json:"plan"`
}

// ExtractPlanArray finds the first well-formed JSON array of plan
// entries inside the model output. Wrapping whitespace, Markdown code
// fences and trailing commentary are tolerated.
func ExtractPlanArray(content string) ([]PlanEntry, error) {
	content = stripCodeFences(strings.TrimSpace(content))

	for start := 0; start < len(content); start++ {
		if content[start] != '[' {
			continue
		}
		end, ok := matchBracket(content, start)
		if !ok {
			continue
		}
		candidate := content[start : end+1]
		var entries []PlanEntry
		if err := json.Unmarshal([]byte(candidate), &entries); err != nil {
			continue
		}
		return entries, nil
	}
	return nil, fmt.Errorf("no JSON plan array found in model output")
}

// stripCodeFences removes a wrapping ``` or ```json fence if present.
func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := s[3:]
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// matchBracket returns the index of the ']' closing the '[' at start,
// skipping brackets inside JSON strings.
func matchBracket(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
