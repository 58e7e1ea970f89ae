package query

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/pkg/logger"
	"kb-assistant-api/pkg/metrics"
)

// requestedCountPattern 从查询中提取显式数量（"top 5"、"first 3"）
var requestedCountPattern = regexp.MustCompile(`(?i)\b(?:top|first)\s+(\d+)\b`)

// allDocumentsPattern 查询是否要求完整枚举
var allDocumentsPattern = regexp.MustCompile(`(?i)\ball\b|\bevery\b|\beach\b`)

// bulletLinePattern 匹配 markdown 列表项
var bulletLinePattern = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+\S`)

// CatalogFallback 枚举类答案的确定性兜底
// 模型对"列出所有文档"类问题的枚举不可信：条目数与目录对不上时，
// 丢弃生成结果，直接用目录渲染答案
type CatalogFallback struct {
	defaultLimit int
}

// NewCatalogFallback 创建目录兜底器
func NewCatalogFallback(parseListLimit int) *CatalogFallback {
	if parseListLimit <= 0 {
		parseListLimit = 5
	}
	return &CatalogFallback{defaultLimit: parseListLimit}
}

// Apply 检查枚举答案完整性，必要时用目录覆盖
// 仅在知识库路由且枚举类查询时调用
func (f *CatalogFallback) Apply(ctx context.Context, queryText string, answer *entity.StructuredAnswer, catalog []entity.CatalogItem) *entity.StructuredAnswer {
	if len(catalog) == 0 {
		return answer
	}

	expected, strict := f.expectedCount(queryText, len(catalog))
	got := countBullets(answer.AnswerMD)

	// 显式数量或 "all" 要求条目数精确匹配；否则只在零条目/拒答时兜底
	if !answer.Refused {
		if strict && got == expected {
			return answer
		}
		if !strict && got > 0 {
			return answer
		}
	}

	logger.Info(ctx, "catalog fallback engaged",
		"expected", expected, "got", got, "catalog_size", len(catalog))
	metrics.CatalogFallbackTotal.Inc()

	return f.render(catalog, expected)
}

// expectedCount 期望条目数与是否严格匹配：显式数量 > "all" 全量 > 默认上限（宽松）
func (f *CatalogFallback) expectedCount(queryText string, catalogSize int) (int, bool) {
	if m := requestedCountPattern.FindStringSubmatch(queryText); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			if n > catalogSize {
				return catalogSize, true
			}
			return n, true
		}
	}
	if allDocumentsPattern.MatchString(queryText) {
		return catalogSize, true
	}
	limit := f.defaultLimit
	if limit > catalogSize {
		limit = catalogSize
	}
	return limit, false
}

// render 用目录确定性渲染枚举答案
func (f *CatalogFallback) render(catalog []entity.CatalogItem, limit int) *entity.StructuredAnswer {
	if limit <= 0 || limit > len(catalog) {
		limit = len(catalog)
	}

	var sb strings.Builder
	sb.WriteString("Here are the documents in your knowledge base:\n\n")
	for i := 0; i < limit; i++ {
		item := catalog[i]
		if item.URL != "" {
			fmt.Fprintf(&sb, "- [%s](%s)\n", item.Name, item.URL)
		} else {
			fmt.Fprintf(&sb, "- %s\n", item.Name)
		}
	}

	return &entity.StructuredAnswer{
		AnswerMD:   strings.TrimSpace(sb.String()),
		Intent:     entity.IntentKnowledgeBase,
		AnswerType: entity.AnswerTypeListDocuments,
	}
}

// countBullets 统计 markdown 答案中的列表项数量
func countBullets(md string) int {
	return len(bulletLinePattern.FindAllString(md, -1))
}
