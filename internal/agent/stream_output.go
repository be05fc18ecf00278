package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const maxToolInputPreview = 200

// StreamEvent is one line of Claude Code's stream-json output.
type StreamEvent struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Model      string         `json:"model,omitempty"`
	Message    *StreamMessage `json:"message,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	NumTurns   int            `json:"num_turns,omitempty"`
	TotalCost  float64        `json:"total_cost_usd,omitempty"`
}

// StreamMessage is the message envelope of assistant and user events.
type StreamMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a single text, tool_use or tool_result block.
type ContentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// StreamParser renders stream-json lines as readable log text.
type StreamParser struct {
	sessionID string
}

// NewStreamParser creates a parser for one agent's output.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// SessionID returns the session announced by the init event, if any.
func (p *StreamParser) SessionID() string {
	return p.sessionID
}

// ParseLine formats one output line. Lines that are not JSON pass through.
func (p *StreamParser) ParseLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	var event StreamEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return line
	}

	return strings.TrimRight(p.format(&event), "\n")
}

func (p *StreamParser) format(event *StreamEvent) string {
	var out strings.Builder

	switch event.Type {
	case "system":
		if event.Subtype == "init" {
			p.sessionID = event.SessionID
			fmt.Fprintf(&out, "Session started: %s", event.SessionID)
			if event.Model != "" {
				fmt.Fprintf(&out, " (model %s)", event.Model)
			}
		}

	case "assistant":
		if event.Message == nil {
			break
		}
		for _, block := range event.Message.Content {
			switch block.Type {
			case "text":
				out.WriteString(block.Text)
				out.WriteString("\n")
			case "tool_use":
				fmt.Fprintf(&out, "[Tool: %s]\n", block.Name)
				writeToolInput(&out, block.Input)
			}
		}

	case "user":
		if event.Message == nil {
			break
		}
		for _, block := range event.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			prefix := "  > "
			if block.IsError {
				prefix = "  ! "
			}
			for _, l := range strings.Split(toolResultText(block.Content), "\n") {
				if l != "" {
					out.WriteString(prefix + l + "\n")
				}
			}
		}

	case "result":
		status := event.Subtype
		if event.IsError {
			status = "error"
		}
		fmt.Fprintf(&out, "[Status: %s", status)
		if event.DurationMS > 0 {
			fmt.Fprintf(&out, ", Duration: %dms", event.DurationMS)
		}
		if event.NumTurns > 0 {
			fmt.Fprintf(&out, ", Turns: %d", event.NumTurns)
		}
		if event.TotalCost > 0 {
			fmt.Fprintf(&out, ", Cost: $%.4f", event.TotalCost)
		}
		out.WriteString("]")
	}

	return out.String()
}

func writeToolInput(out *strings.Builder, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := input[k]
		switch k {
		case "command":
			fmt.Fprintf(out, "  $ %v\n", v)
		case "file_path", "path":
			fmt.Fprintf(out, "  File: %v\n", v)
		case "content", "new_string", "old_string":
			str := fmt.Sprintf("%v", v)
			if len(str) > maxToolInputPreview {
				str = str[:maxToolInputPreview] + "..."
			}
			fmt.Fprintf(out, "  %s: %s\n", k, str)
		default:
			fmt.Fprintf(out, "  %s: %v\n", k, v)
		}
	}
}

// toolResultText flattens a tool_result content, which is either a string or
// a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
