// Package rectify repairs Anthropic requests rejected because of thinking
// blocks carried over from another provider or model.
package rectify

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxAttempts is how many rectified retries one provider attempt may make.
const MaxAttempts = 1

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)invalid\s+signature\s+in\s+thinking\s+block`),
	regexp.MustCompile(`(?is)expected\s+thinking\s+or\s+redacted_thinking.*found\s+tool_use`),
	regexp.MustCompile(`(?is)assistant\s+message\s+must\s+start\s+with\s+a\s+thinking\s+block`),
}

// Matches reports whether an upstream error response is one the rectifier
// can repair. Only 4xx responses qualify.
func Matches(status int, body []byte) bool {
	if status < 400 || status >= 500 || len(body) == 0 {
		return false
	}
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = string(body)
	}
	msg = strings.ReplaceAll(msg, "`", "")
	msg = strings.ReplaceAll(msg, ",", "")
	for _, re := range errorPatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// Result reports what Rectify changed. When Applied is false the body is
// unchanged and the request must not be retried.
type Result struct {
	Applied                       bool `json:"applied"`
	RemovedThinkingBlocks         int  `json:"removedThinkingBlocks"`
	RemovedRedactedThinkingBlocks int  `json:"removedRedactedThinkingBlocks"`
	RemovedSignatureFields        int  `json:"removedSignatureFields"`
	RemovedThinkingConfig         bool `json:"removedThinkingConfig"`
}

func isThinking(t string) bool {
	return t == "thinking" || t == "redacted_thinking"
}

// Rectify strips thinking and redacted_thinking blocks from every message,
// drops stray signature fields from the remaining blocks, and removes the
// top-level thinking config when the last assistant turn would otherwise be
// a tool_use turn without a leading thinking block. Field order and all
// other content are preserved.
func Rectify(body []byte) ([]byte, Result) {
	var res Result
	if !gjson.ValidBytes(body) {
		return body, res
	}
	out := body

	gjson.GetBytes(body, "messages").ForEach(func(key, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		changed := false
		kept := make([]string, 0, len(content.Array()))
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "thinking":
				res.RemovedThinkingBlocks++
				changed = true
				return true
			case "redacted_thinking":
				res.RemovedRedactedThinkingBlocks++
				changed = true
				return true
			}
			raw := block.Raw
			if block.Get("signature").Exists() {
				if stripped, err := sjson.Delete(raw, "signature"); err == nil {
					raw = stripped
					res.RemovedSignatureFields++
					changed = true
				}
			}
			kept = append(kept, raw)
			return true
		})
		if !changed {
			return true
		}
		updated, err := sjson.SetRawBytes(out, "messages."+key.String()+".content", []byte("["+strings.Join(kept, ",")+"]"))
		if err == nil {
			out = updated
		}
		return true
	})

	if gjson.GetBytes(out, "thinking.type").String() == "enabled" && lastAssistantNeedsThinking(out) {
		if updated, err := sjson.DeleteBytes(out, "thinking"); err == nil {
			out = updated
			res.RemovedThinkingConfig = true
		}
	}

	res.Applied = res.RemovedThinkingBlocks > 0 ||
		res.RemovedRedactedThinkingBlocks > 0 ||
		res.RemovedSignatureFields > 0 ||
		res.RemovedThinkingConfig
	if !res.Applied {
		return body, res
	}
	return out, res
}

// lastAssistantNeedsThinking reports whether the last assistant message
// does not open with a thinking block but does contain a tool_use block,
// which the upstream rejects while extended thinking is enabled.
func lastAssistantNeedsThinking(body []byte) bool {
	var last gjson.Result
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "assistant" {
			last = msg
		}
		return true
	})
	if !last.Exists() {
		return false
	}
	content := last.Get("content")
	if !content.IsArray() {
		return false
	}
	blocks := content.Array()
	if len(blocks) > 0 && isThinking(blocks[0].Get("type").String()) {
		return false
	}
	for _, b := range blocks {
		if b.Get("type").String() == "tool_use" {
			return true
		}
	}
	return false
}
