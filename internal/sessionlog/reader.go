package sessionlog

import (
	"encoding/json"
	"strings"

	"github.com/clawdeck/clawdeck/pkg/claudecode"
)

const (
	retrySentinelPrefix = "Retry the "
	retrySentinelSuffix = " tool call now."
)

// RetrySentinel builds the user-turn text that instructs a resumed companion
// to re-raise a specific tool call. The reader filters this exact pattern
// back out of the log.
func RetrySentinel(toolName string) string {
	return retrySentinelPrefix + toolName + retrySentinelSuffix
}

// retrySentinelTool extracts the tool name when text begins with the retry
// sentinel.
func retrySentinelTool(text string) (string, bool) {
	if !strings.HasPrefix(text, retrySentinelPrefix) {
		return "", false
	}
	rest := text[len(retrySentinelPrefix):]
	idx := strings.Index(rest, retrySentinelSuffix)
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

type toolResult struct {
	content string
	isError bool
}

// Read parses a session log into normalized messages and the set of pending
// tool calls. Two passes: first a tool-result index over all user entries,
// then the message build with dedup, the retry filter, and meta skipping.
func (s *Store) Read(sessionID string) ([]Message, []PendingToolCall, error) {
	path, err := s.SessionFile(sessionID)
	if err != nil {
		return nil, nil, err
	}
	entries := s.scanEntries(path)

	// Pass 1: tool_use id -> result
	results := make(map[string]toolResult)
	for _, e := range entries {
		if e.Type != "user" || e.Message == nil {
			continue
		}
		for _, block := range e.Message.GetContentBlocks() {
			if block.Type == "tool_result" && block.ToolUseID != "" {
				results[block.ToolUseID] = toolResult{
					content: stringifyToolResult(block),
					isError: block.IsError,
				}
			}
		}
	}

	// Pass 2: message build
	var (
		messages     []Message
		emitted      = make(map[string]int) // message id -> index in messages
		replaced     = make(map[string]struct{})
		retryTool    string // set while a sentinel awaits its assistant message
		allToolCalls []PendingToolCall
	)

	for _, e := range entries {
		if e.IsMeta {
			continue
		}
		if e.Type != "user" && e.Type != "assistant" {
			continue
		}
		if e.Message == nil {
			continue
		}

		if e.Type == "user" {
			if tool, ok := retrySentinelTool(e.Message.GetContentString()); ok {
				// Tool calls of this tool emitted before the sentinel are
				// replaced by the retry, not pending.
				for i := range messages {
					for _, tc := range messages[i].ToolCalls {
						if tc.Name == tool && !tc.HasResult {
							replaced[tc.ID] = struct{}{}
						}
					}
				}
				retryTool = tool
				continue
			}
		}

		segments, toolCalls := s.buildContent(e.Message, results)

		if e.Type == "assistant" && retryTool != "" {
			if suppressed := suppressRetried(toolCalls, retryTool, replaced); suppressed {
				retryTool = ""
				continue
			}
		}

		for _, tc := range toolCalls {
			allToolCalls = append(allToolCalls, PendingToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}

		if idx, ok := emitted[e.UUID]; ok && e.UUID != "" {
			// Later occurrence of a known message id: merge by attaching
			// newly observed tool calls.
			messages[idx].ToolCalls = mergeToolCalls(messages[idx].ToolCalls, toolCalls)
			continue
		}

		// User messages whose only content was tool results carry nothing
		// human-visible.
		if e.Type == "user" && len(segments) == 0 {
			continue
		}

		role := e.Message.Role
		if role == "" {
			role = e.Type
		}
		msg := Message{
			ID:        e.UUID,
			Role:      role,
			Content:   segments,
			ToolCalls: toolCalls,
			Timestamp: e.time(),
		}
		if e.UUID != "" {
			emitted[e.UUID] = len(messages)
		}
		messages = append(messages, msg)
	}

	// Derive pending tool calls: no result in the Pass 1 index and not
	// replaced by a retry.
	var pending []PendingToolCall
	seen := make(map[string]struct{})
	for _, tc := range allToolCalls {
		if _, ok := results[tc.ID]; ok {
			continue
		}
		if _, ok := replaced[tc.ID]; ok {
			continue
		}
		if _, ok := seen[tc.ID]; ok {
			continue
		}
		seen[tc.ID] = struct{}{}
		pending = append(pending, tc)
	}

	return messages, pending, nil
}

// buildContent converts a log message body into segments and tool calls,
// attaching results from the Pass 1 index.
func (s *Store) buildContent(msg *claudecode.AssistantMessage, results map[string]toolResult) ([]Segment, []ToolCall) {
	var segments []Segment
	var toolCalls []ToolCall

	blocks := msg.GetContentBlocks()
	if blocks == nil {
		if text := msg.GetContentString(); text != "" {
			segments = append(segments, Segment{Type: "text", Text: text})
		}
		return segments, nil
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				segments = append(segments, Segment{Type: "text", Text: block.Text})
			}
		case "image":
			if block.Source != nil {
				segments = append(segments, Segment{
					Type:      "image",
					MediaType: block.Source.MediaType,
					Data:      block.Source.Data,
				})
			}
		case "tool_use":
			tc := ToolCall{ID: block.ID, Name: block.Name, Input: block.Input}
			if res, ok := results[block.ID]; ok {
				tc.Result = res.content
				tc.HasResult = true
				tc.IsError = res.isError
			}
			toolCalls = append(toolCalls, tc)
		}
		// thinking and tool_result blocks are not surfaced as content
	}
	return segments, toolCalls
}

// suppressRetried checks whether an assistant message carries a tool_use of
// the retried tool. When it does, all of the message's tool_use ids are
// recorded as replaced and the message is suppressed.
func suppressRetried(toolCalls []ToolCall, retryTool string, replaced map[string]struct{}) bool {
	match := false
	for _, tc := range toolCalls {
		if tc.Name == retryTool {
			match = true
			break
		}
	}
	if !match {
		return false
	}
	for _, tc := range toolCalls {
		replaced[tc.ID] = struct{}{}
	}
	return true
}

func mergeToolCalls(existing, incoming []ToolCall) []ToolCall {
	known := make(map[string]struct{}, len(existing))
	for _, tc := range existing {
		known[tc.ID] = struct{}{}
	}
	for _, tc := range incoming {
		if _, ok := known[tc.ID]; !ok {
			existing = append(existing, tc)
		}
	}
	return existing
}

// stringifyToolResult canonicalizes a tool_result block's content to a
// string. Structured content that is not a text-block array keeps its raw
// JSON form.
func stringifyToolResult(block claudecode.ContentBlock) string {
	if len(block.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(block.Content, &s); err == nil {
		return s
	}
	if text := block.GetContentString(); text != "" {
		return text
	}
	return string(block.Content)
}
