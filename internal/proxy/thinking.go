package proxy

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Upstream 400s that a retry without thinking blocks can fix. Seen when a
// conversation mixes thinking and non-thinking turns.
var thinkingErrorFragments = []string{
	"Invalid `signature` in `thinking` block",
	"final `assistant` message must start with a thinking block",
}

// isThinkingBlockError reports whether a 400 body carries one of the
// retryable thinking-block complaints.
func isThinkingBlockError(statusCode int, body []byte) bool {
	if statusCode != 400 {
		return false
	}
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = string(body)
	}
	for _, fragment := range thinkingErrorFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// stripThinkingBlocks removes thinking content from assistant messages,
// drops messages left empty, and disables thinking mode. Returns the input
// unchanged when nothing needed stripping.
func stripThinkingBlocks(body []byte) []byte {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return body
	}

	changed := false
	var rebuilt []interface{}
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "assistant" || !msg.Get("content").IsArray() {
			rebuilt = append(rebuilt, msg.Value())
			return true
		}

		var blocks []interface{}
		msg.Get("content").ForEach(func(_, block gjson.Result) bool {
			t := block.Get("type").String()
			if t == "thinking" || t == "redacted_thinking" {
				changed = true
				return true
			}
			blocks = append(blocks, block.Value())
			return true
		})

		if len(blocks) == 0 {
			// An assistant message with only thinking content disappears.
			changed = true
			return true
		}

		m, ok := msg.Value().(map[string]interface{})
		if !ok {
			rebuilt = append(rebuilt, msg.Value())
			return true
		}
		m["content"] = blocks
		rebuilt = append(rebuilt, m)
		return true
	})

	if gjson.GetBytes(body, "thinking").Exists() {
		changed = true
	}
	if !changed {
		return body
	}

	out, err := sjson.SetBytes(body, "messages", rebuilt)
	if err != nil {
		return body
	}
	if stripped, err := sjson.DeleteBytes(out, "thinking"); err == nil {
		out = stripped
	}
	return out
}
