// Package toolparse extracts tagged tool invocations from raw model text for
// providers that lack native function calling:
//
//	<tool_use>{"tool":"<name>","parameters":{…}}</tool_use>
//
// Any provider without native tool calling (currently a subset of
// Ollama-served models, see pkg/providers/ollama) uses the same tagged-block
// convention regardless of vendor.
package toolparse

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"agentmesh/pkg/llm"
)

var tagRegex = regexp.MustCompile(`(?s)<tool_use>(.*?)</tool_use>`)

type taggedCall struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// Extract scans text for <tool_use>...</tool_use> blocks, returning the
// structured tool calls found and the text with every matched block
// (including malformed ones) stripped, so the user-visible reply never
// leaks the tagged-text convention. Where the text before a removed block
// already ends in a space, leading spaces after it are dropped, so
// "a <tool_use>…</tool_use> b" becomes "a b". A block whose JSON body fails to parse
// is dropped from the result but still stripped; the caller can detect this
// via the returned parseFailures count.
func Extract(text string) (calls []llm.ToolCall, cleaned string, parseFailures int) {
	matches := tagRegex.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, text, 0
	}

	var b strings.Builder
	writeSegment := func(seg string) {
		if strings.HasSuffix(b.String(), " ") {
			seg = strings.TrimLeft(seg, " ")
		}
		b.WriteString(seg)
	}
	last := 0
	idx := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		bodyStart, bodyEnd := m[2], m[3]
		writeSegment(text[last:start])
		last = end

		var tc taggedCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(text[bodyStart:bodyEnd])), &tc); err != nil || tc.Tool == "" {
			parseFailures++
			continue
		}
		calls = append(calls, llm.ToolCall{
			ID:         syntheticID(idx),
			Name:       tc.Tool,
			Parameters: tc.Parameters,
		})
		idx++
	}
	writeSegment(text[last:])
	return calls, strings.TrimSpace(b.String()), parseFailures
}

// HasTaggedCall reports whether text contains at least one
// <tool_use>…</tool_use> block, whether or not its body parses.
func HasTaggedCall(text string) bool {
	return tagRegex.MatchString(text)
}

func syntheticID(i int) string {
	return "tagged_" + strconv.Itoa(i)
}
