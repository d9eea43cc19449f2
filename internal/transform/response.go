package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Response translates a non-streaming chat completions body into an
// Anthropic message. model is used when the upstream omits it.
func Response(body []byte, model string) ([]byte, error) {
	var in chatResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("transform: invalid chat completion: %w", err)
	}
	if in.Error != nil {
		return nil, fmt.Errorf("transform: upstream error: %s", in.Error.Message)
	}

	out := anthropicResponse{
		ID:      messageID(in.ID),
		Type:    "message",
		Role:    "assistant",
		Model:   firstNonEmpty(in.Model, model),
		Content: []map[string]any{},
		Usage:   toAnthropicUsage(in.Usage),
	}

	stop := "end_turn"
	if len(in.Choices) > 0 {
		ch := in.Choices[0]
		if msg := ch.Message; msg != nil {
			if r := msg.reasoning(); r != "" {
				out.Content = append(out.Content, map[string]any{"type": "thinking", "thinking": r, "signature": ""})
			}
			if msg.Content != "" {
				out.Content = append(out.Content, map[string]any{"type": "text", "text": msg.Content})
			}
			for i, tc := range msg.ToolCalls {
				out.Content = append(out.Content, map[string]any{
					"type":  "tool_use",
					"id":    toolID(tc.ID, out.ID, i),
					"name":  tc.Function.Name,
					"input": toolInput(tc.Function.Arguments),
				})
			}
		}
		if ch.FinishReason != "" {
			stop = StopReason(ch.FinishReason)
		}
	}
	out.StopReason = &stop
	return json.Marshal(out)
}

// ErrorBody rewrites an OpenAI-style error body into the Anthropic error
// envelope. Bodies that are not JSON become the message text.
func ErrorBody(status int, body []byte) []byte {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}
	b, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": map[string]string{"type": ErrorType(status), "message": msg},
	})
	return b
}

// ErrorType maps an HTTP status to the Anthropic error type name.
func ErrorType(status int) string {
	switch {
	case status == 400:
		return "invalid_request_error"
	case status == 401:
		return "authentication_error"
	case status == 403:
		return "permission_error"
	case status == 404:
		return "not_found_error"
	case status == 413:
		return "request_too_large"
	case status == 429:
		return "rate_limit_error"
	case status == 529 || status == 503:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// toolInput decodes streamed or buffered function arguments. Arguments
// that are not a JSON object are wrapped so the block stays valid.
func toolInput(args string) any {
	args = strings.TrimSpace(args)
	if args == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return map[string]any{"_raw": args}
	}
	if _, ok := v.(map[string]any); !ok {
		return map[string]any{"value": v}
	}
	return v
}

func messageID(id string) string {
	if id == "" {
		return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if strings.HasPrefix(id, "msg_") {
		return id
	}
	return "msg_" + id
}

func toolID(id, msgID string, n int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("toolu_%s_%d", strings.TrimPrefix(msgID, "msg_"), n)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
