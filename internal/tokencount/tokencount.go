// Package tokencount derives token usage from upstream responses.
//
// Non-streaming responses carry a usage object that is read as-is.
// Streaming responses carry none, so usage is estimated: prompt tokens are
// counted from the request body and completion tokens from the accumulated
// SSE deltas, using the model's tiktoken encoding.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
)

// Usage is the token accounting for one completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Estimated is set when the numbers were derived locally instead of
	// reported by the upstream.
	Estimated bool
}

// charsPerToken is the rough fallback ratio when no encoding is available.
const charsPerToken = 4

// tokensPerMessage is the per-message framing overhead of the chat format.
const tokensPerMessage = 3

// replyPrimingTokens accounts for the assistant reply priming.
const replyPrimingTokens = 3

// FromResponseBody reads the usage object from a JSON response body.
func FromResponseBody(body []byte) (Usage, bool) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return Usage{}, false
	}
	return Usage{
		PromptTokens:     int(usage.Get("prompt_tokens").Int()),
		CompletionTokens: int(usage.Get("completion_tokens").Int()),
		TotalTokens:      int(usage.Get("total_tokens").Int()),
	}, true
}

var encCache sync.Map // encoding name -> *tiktoken.Tiktoken

func encodingFor(model string) *tiktoken.Tiktoken {
	name := "cl100k_base"
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc
	}
	if cached, ok := encCache.Load(name); ok {
		return cached.(*tiktoken.Tiktoken)
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil
	}
	encCache.Store(name, enc)
	return enc
}

// CountText counts the tokens of a plain string for a model, falling back
// to a characters-per-token ratio when no encoding can be loaded.
func CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimatePromptTokens counts the prompt side of a request body. Chat
// requests count each message's role and content plus framing overhead;
// completion-style requests count the prompt field.
func EstimatePromptTokens(model string, requestBody []byte) int {
	if messages := gjson.GetBytes(requestBody, "messages"); messages.IsArray() {
		total := replyPrimingTokens
		messages.ForEach(func(_, msg gjson.Result) bool {
			total += tokensPerMessage
			total += CountText(model, msg.Get("role").String())
			content := msg.Get("content")
			if content.IsArray() {
				content.ForEach(func(_, part gjson.Result) bool {
					total += CountText(model, part.Get("text").String())
					return true
				})
			} else {
				total += CountText(model, content.String())
			}
			if name := msg.Get("name").String(); name != "" {
				total += CountText(model, name)
			}
			return true
		})
		return total
	}

	prompt := gjson.GetBytes(requestBody, "prompt")
	if prompt.IsArray() {
		total := 0
		prompt.ForEach(func(_, p gjson.Result) bool {
			total += CountText(model, p.String())
			return true
		})
		return total
	}
	if prompt.Exists() {
		return CountText(model, prompt.String())
	}
	if input := gjson.GetBytes(requestBody, "input"); input.Exists() {
		return CountText(model, input.String())
	}
	return 0
}

// EstimatableEndpoint reports whether streaming usage estimation is
// supported for an endpoint template.
func EstimatableEndpoint(template string) bool {
	switch strings.TrimSuffix(template, "/") {
	case "/completions", "/chat/completions":
		return true
	default:
		return false
	}
}
