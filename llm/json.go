/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when a response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// ExtractJSON pulls JSON content out of a model response that may wrap it
// in markdown code fences. If no fenced block is found, it falls back to
// the first balanced top-level object in the text.
func ExtractJSON(responseText string) string {
	// Search for the first ```json fence on its own line and collect
	// content until the closing fence.
	lines := strings.Split(responseText, "\n")
	var sb strings.Builder
	inBlock := false
	found := false
	for _, line := range lines {
		if !inBlock && strings.TrimSpace(line) == "```json" {
			inBlock = true
			found = true
			continue
		}
		if inBlock && strings.TrimSpace(line) == "```" {
			break
		}
		if inBlock {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(line)
		}
	}
	if found {
		return strings.TrimSpace(sb.String())
	}

	return firstObject(responseText)
}

// firstObject scans for the first balanced {...} span, ignoring braces
// inside JSON strings.
func firstObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// ExtractFirstJSON extracts the first JSON object from a response and
// unmarshals it into T.
func ExtractFirstJSON[T any](responseText string) (T, error) {
	var result T
	content := ExtractJSON(responseText)
	if content == "" {
		return result, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return result, err
	}
	return result, nil
}
