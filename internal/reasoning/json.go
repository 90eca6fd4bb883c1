package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the outermost JSON object out of a model reply. Models
// wrap answers in code fences or prose even in JSON mode.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrMalformedOutput)
	}
	return s[start : end+1], nil
}

// DecodeReply extracts and decodes a model reply into out.
func DecodeReply(raw string, out any) error {
	body, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
