package synth

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSON = errors.New("synth: response holds no json object")

// decodeFlex unmarshals a model answer with best effort:
//  1. direct unmarshal
//  2. strip a markdown code fence
//  3. take the outermost {...}
//  4. unwrap a JSON document encoded as a string
func decodeFlex(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err == nil {
		return nil
	}
	text := strings.TrimSpace(string(raw))

	if s, ok := stripFence(text); ok {
		if err := json.Unmarshal([]byte(s), v); err == nil {
			return nil
		}
		text = s
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		if err := json.Unmarshal([]byte(text[i:j+1]), v); err == nil {
			return nil
		}
	}
	var inner string
	if err := json.Unmarshal(bytes.TrimSpace(raw), &inner); err == nil && inner != "" {
		if err := json.Unmarshal([]byte(inner), v); err == nil {
			return nil
		}
	}
	return errNoJSON
}

func stripFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return s, false
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s), true
}
