package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest wraps every failure to decode an inbound Anthropic body.
var ErrInvalidRequest = errors.New("transform: invalid anthropic request")

// Request translates an Anthropic messages body into an OpenAI chat
// completions body. A non-empty model overrides the request's model.
// Thinking blocks are dropped; streaming requests ask the upstream to
// include usage in the final chunk.
func Request(body []byte, model string) ([]byte, error) {
	var in anthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if model == "" {
		model = in.Model
	}
	out := chatRequest{
		Model:       model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
		Stream:      in.Stream,
	}
	if in.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if in.Metadata != nil {
		out.User = in.Metadata.UserID
	}

	system, err := systemText(in.System)
	if err != nil {
		return nil, err
	}
	if system != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: system})
	}
	for i, m := range in.Messages {
		msgs, err := convertMessage(m)
		if err != nil {
			return nil, fmt.Errorf("%w: messages.%d: %v", ErrInvalidRequest, i, err)
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range in.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	if len(in.ToolChoice) > 0 {
		out.ToolChoice = toolChoice(in.ToolChoice)
	}

	return json.Marshal(out)
}

// systemText flattens a system prompt given as a string or a block list.
func systemText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: system: %v", ErrInvalidRequest, err)
		}
		return s, nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("%w: system: %v", ErrInvalidRequest, err)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// blocks decodes message content given as a string or a block list.
func blocks(raw json.RawMessage) ([]anthropicBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []anthropicBlock{{Type: "text", Text: s}}, nil
	}
	var out []anthropicBlock
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// convertMessage maps one Anthropic turn to one or more chat messages.
// tool_result blocks become separate "tool" messages that precede any
// remaining user content.
func convertMessage(m anthropicMessage) ([]chatMessage, error) {
	content, err := blocks(m.Content)
	if err != nil {
		return nil, err
	}
	switch m.Role {
	case "assistant":
		return []chatMessage{assistantMessage(content)}, nil
	case "user":
		var out []chatMessage
		var parts []chatPart
		for _, b := range content {
			switch b.Type {
			case "tool_result":
				text := toolResultText(b.Content)
				if b.IsError {
					text = "[Error] " + text
				}
				out = append(out, chatMessage{Role: "tool", ToolCallID: b.ToolUseID, Content: text})
			case "text":
				parts = append(parts, chatPart{Type: "text", Text: b.Text})
			case "image":
				if u := imageDataURL(b); u != "" {
					parts = append(parts, chatPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
				}
			}
		}
		switch {
		case len(parts) == 1 && parts[0].Type == "text":
			out = append(out, chatMessage{Role: "user", Content: parts[0].Text})
		case len(parts) > 0:
			out = append(out, chatMessage{Role: "user", Content: parts})
		case len(out) == 0:
			out = append(out, chatMessage{Role: "user", Content: ""})
		}
		return out, nil
	default:
		var sb strings.Builder
		for _, b := range content {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return []chatMessage{{Role: m.Role, Content: sb.String()}}, nil
	}
}

func assistantMessage(content []anthropicBlock) chatMessage {
	msg := chatMessage{Role: "assistant"}
	var text strings.Builder
	for _, b := range content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := string(bytes.TrimSpace(b.Input))
			if args == "" || args == "null" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: chatFunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}
	if text.Len() > 0 || len(msg.ToolCalls) == 0 {
		msg.Content = text.String()
	}
	return msg
}

func imageDataURL(b anthropicBlock) string {
	if b.Source == nil {
		return ""
	}
	if b.Source.Type == "url" {
		return b.Source.URL
	}
	if b.Source.Data == "" {
		return ""
	}
	return "data:" + b.Source.MediaType + ";base64," + b.Source.Data
}

// toolResultText flattens tool_result content to its text parts joined by
// newlines. Chat tool messages carry text only, so image parts are dropped.
func toolResultText(raw json.RawMessage) string {
	content, err := blocks(raw)
	if err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(content))
	for _, b := range content {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toolChoice maps Anthropic's {type: auto|any|none|tool} onto the OpenAI
// string or function-object forms.
func toolChoice(raw json.RawMessage) json.RawMessage {
	var c struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return raw
	}
	switch c.Type {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "none":
		return json.RawMessage(`"none"`)
	case "tool":
		b, err := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": c.Name},
		})
		if err != nil {
			return raw
		}
		return b
	}
	return raw
}
