package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	"kb-assistant-api/pkg/logger"
)

// Reranker 基于对话模型的二次相关性排序
// 任一环节失败都退回原有排序（fail-open），重排只锦上添花，不挡主流程
type Reranker struct {
	models   ModelProvider
	provider string
}

// NewReranker 创建重排器
func NewReranker(models ModelProvider, provider string) *Reranker {
	return &Reranker{models: models, provider: provider}
}

const rerankPromptHeader = `You are a relevance judge. Given a user query and a numbered list of text passages, rate how relevant each passage is to the query on a scale of 0 to 10.

Reply with one line per passage, strictly in the form "<number>: <score>". No other text.`

// Rerank 重排候选集并截断到 topN
func (r *Reranker) Rerank(ctx context.Context, apiKey, query string, hits []*Hit, topN int) []*Hit {
	if len(hits) == 0 || topN <= 0 {
		return hits
	}
	if len(hits) <= 1 {
		return truncateHits(hits, topN)
	}

	ctx, span := tracer.Start(ctx, "query.Reranker.Rerank")
	defer span.End()

	chatModel, err := r.models.GetWithAPIKey(ctx, r.provider, apiKey)
	if err != nil {
		span.RecordError(err)
		return truncateHits(hits, topN)
	}

	var sb strings.Builder
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nPassages:\n")
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, compactOneLine(truncateRunes(h.Node.Text, 400)))
	}

	resp, err := chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(rerankPromptHeader),
		schema.UserMessage(sb.String()),
	})
	if err != nil {
		span.RecordError(err)
		logger.Warn(ctx, "rerank call failed, keeping merge order", "error", err.Error())
		return truncateHits(hits, topN)
	}

	scores := parseRerankScores(resp.Content, len(hits))
	if scores == nil {
		logger.Warn(ctx, "rerank output unparseable, keeping merge order")
		return truncateHits(hits, topN)
	}

	scoreOf := make(map[*Hit]float64, len(hits))
	for i, h := range hits {
		scoreOf[h] = scores[i]
	}
	reranked := make([]*Hit, len(hits))
	copy(reranked, hits)
	sort.SliceStable(reranked, func(i, j int) bool {
		return scoreOf[reranked[i]] > scoreOf[reranked[j]]
	})
	return truncateHits(reranked, topN)
}

// parseRerankScores 解析 "序号: 分数" 行；任何一行解析不出即整体放弃
func parseRerankScores(content string, count int) []float64 {
	scores := make([]float64, count)
	parsed := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "[")
		idxStr, scoreStr, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		idxStr = strings.TrimSuffix(strings.TrimSpace(idxStr), "]")
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 1 || idx > count {
			continue
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(scoreStr), 64)
		if err != nil {
			continue
		}
		scores[idx-1] = score
		parsed++
	}
	if parsed == 0 {
		return nil
	}
	return scores
}

func truncateHits(hits []*Hit, topN int) []*Hit {
	if topN > 0 && len(hits) > topN {
		return hits[:topN]
	}
	return hits
}
