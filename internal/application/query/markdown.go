package query

import (
	"fmt"
	"strings"

	"kb-assistant-api/internal/domain/entity"
)

// RenderMarkdown 将结构化答案渲染为对外的 markdown 文本
// 固定为 **Answer:** 正文 + 可选 **Sources:** 引用列表的格式
func RenderMarkdown(answer *entity.StructuredAnswer) string {
	var sb strings.Builder

	sb.WriteString("**Answer:**\n\n")
	sb.WriteString(strings.TrimSpace(answer.AnswerMD))

	if answer.Refused || len(answer.Citations) == 0 {
		return sb.String()
	}

	sb.WriteString("\n\n**Sources:**\n\n")
	seen := make(map[string]bool, len(answer.Citations))
	for _, c := range answer.Citations {
		name := strings.TrimSpace(c.FileName)
		if name == "" {
			name = c.FileID
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		line := "- " + name
		if c.Page != nil {
			line += fmt.Sprintf(" (p. %d)", *c.Page)
		}
		if quote := strings.TrimSpace(c.Quote); quote != "" {
			line += fmt.Sprintf(": “%s”", truncateRunes(compactOneLine(quote), 160))
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String())
}
