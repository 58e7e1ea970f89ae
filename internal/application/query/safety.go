package query

import "strings"

// forbiddenTerms 命中即视为违规，大小写不敏感的子串匹配
var forbiddenTerms = []string{
	"internal-confidential",
	"secret-key",
}

const redactedMessage = "[REDACTED due to safety policy]"

// violatedTerm 返回文本命中的第一个受限词，未命中返回空串
func violatedTerm(text string) string {
	lowered := strings.ToLower(text)
	for _, term := range forbiddenTerms {
		if strings.Contains(lowered, term) {
			return term
		}
	}
	return ""
}
