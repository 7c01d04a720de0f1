package chatgpt

import (
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role and framing tokens of a message.
const perMessageOverhead = 4

type tokenCounter struct {
	codec tokenizer.Codec
}

func newTokenCounter() (*tokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load cl100k_base codec")
	}
	return &tokenCounter{codec: codec}, nil
}

func (c *tokenCounter) count(m openai.ChatCompletionMessage) int {
	ids, _, err := c.codec.Encode(m.Content)
	if err != nil {
		// fall back to a rough estimate
		return len(m.Content)/4 + perMessageOverhead
	}
	return len(ids) + perMessageOverhead
}

// fit builds the request messages: the system prompt, as much trailing
// history as fits in budget, and the new user message. History is dropped in
// whole exchanges from the oldest end.
func (c *tokenCounter) fit(system string, history []openai.ChatCompletionMessage, user openai.ChatCompletionMessage, budget int) []openai.ChatCompletionMessage {
	var head []openai.ChatCompletionMessage
	used := c.count(user)
	if system != "" {
		sys := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system}
		head = append(head, sys)
		used += c.count(sys)
	}

	start := len(history)
	for i := len(history) - 2; i >= 0; i -= 2 {
		cost := c.count(history[i]) + c.count(history[i+1])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	out := make([]openai.ChatCompletionMessage, 0, len(head)+len(history)-start+1)
	out = append(out, head...)
	out = append(out, history[start:]...)
	return append(out, user)
}
