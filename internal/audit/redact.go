package audit

import (
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/openai-hub/openai-hub/internal/config"
)

// RedactBody strips the configured fields from a captured request body and
// caps its length. Non-JSON bodies are kept as-is, truncated. The returned
// string is always valid UTF-8 so it survives JSON encoding.
func RedactBody(body []byte, redactFields []string) string {
	out := body
	if gjson.ValidBytes(out) {
		for _, field := range redactFields {
			if cleaned, err := sjson.DeleteBytes(out, field); err == nil {
				out = cleaned
			}
		}
	}
	if len(out) > config.MaxAuditBodyLen {
		out = out[:config.MaxAuditBodyLen]
		// Do not cut a multi-byte rune in half.
		for trim := 0; trim < utf8.UTFMax-1 && len(out) > 0; trim++ {
			if r, size := utf8.DecodeLastRune(out); r != utf8.RuneError || size != 1 {
				break
			}
			out = out[:len(out)-1]
		}
	}
	return string(out)
}
