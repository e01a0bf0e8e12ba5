package tokencount

import (
	"bytes"
	"strings"

	"github.com/openai-hub/openai-hub/internal/config"
	"github.com/tidwall/gjson"
)

// StreamEstimator incrementally parses OpenAI SSE chunks and tracks token
// usage. It only reads structured "data: {json}" events to avoid false
// positives from arbitrary text that might contain token-like key names.
// If the stream carries an exact usage object (stream_options include_usage)
// that takes precedence over the local estimate.
type StreamEstimator struct {
	buffer     []byte
	completion strings.Builder
	exact      Usage
	haveExact  bool
}

func NewStreamEstimator() *StreamEstimator {
	return &StreamEstimator{
		buffer: make([]byte, 0, config.DefaultBufferSize),
	}
}

// Feed consumes a raw chunk of the response stream.
func (e *StreamEstimator) Feed(chunk []byte) {
	e.buffer = append(e.buffer, chunk...)
	e.parse(false)
}

// Finish flushes any trailing partial event and returns the usage: the
// upstream-reported numbers when present, otherwise a tiktoken estimate
// from the request body and the accumulated completion text.
func (e *StreamEstimator) Finish(model string, requestBody []byte) Usage {
	e.parse(true)
	if e.haveExact {
		return e.exact
	}
	prompt := EstimatePromptTokens(model, requestBody)
	completion := CountText(model, e.completion.String())
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}

func (e *StreamEstimator) parse(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(e.buffer, flush)
		if !ok {
			return
		}
		e.buffer = rest
		e.parseEvent(event)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (e *StreamEstimator) parseEvent(event []byte) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		e.parseData(payload)
	}
}

func (e *StreamEstimator) parseData(payload []byte) {
	if usage := gjson.GetBytes(payload, "usage"); usage.IsObject() {
		e.exact = Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
		e.haveExact = true
	}
	choices := gjson.GetBytes(payload, "choices")
	if !choices.IsArray() {
		return
	}
	choices.ForEach(func(_, choice gjson.Result) bool {
		if delta := choice.Get("delta.content"); delta.Type == gjson.String {
			e.completion.WriteString(delta.String())
		} else if text := choice.Get("text"); text.Type == gjson.String {
			e.completion.WriteString(text.String())
		}
		return true
	})
}
