package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"kb-assistant-api/internal/domain/entity"
	apperrors "kb-assistant-api/pkg/errors"
)

// answerSchemaDescription 合成与修复两个阶段共用的 schema 描述
const answerSchemaDescription = `{
  "answer_md": "string, the answer in markdown",
  "intent": "casual" | "knowledge_base",
  "answer_type": "direct" | "list_documents" | "compare" | "summarize" | "unknown",
  "citations": [{"file_id": "string", "file_name": "string?", "node_id": "string?", "page": number?, "quote": "string?"}],
  "listed_file_ids": ["string", only when answer_type is list_documents],
  "confidence": "low" | "medium" | "high" | null,
  "refused": boolean,
  "refusal_reason": "not_in_corpus" | "out_of_scope" | "unsafe" | "unknown" | null
}`

const synthesisPrompt = `You are a personal knowledge assistant. Answer the user's question STRICTLY from the context passages below. If the context does not contain the answer, refuse with refusal_reason "not_in_corpus" instead of guessing.

Rules:
- Cite every claim: each citation's file_id must come from a context passage.
- For enumeration questions use answer_type "list_documents" and fill listed_file_ids.
- If you refuse, citations must be empty.

Respond with a single JSON object, no prose, matching exactly this schema:
` + answerSchemaDescription

// Synthesizer 基于召回上下文生成结构化答案
type Synthesizer struct {
	models   ModelProvider
	provider string
	guard    *OutputGuard
}

// NewSynthesizer 创建答案合成器
func NewSynthesizer(models ModelProvider, provider string) *Synthesizer {
	return &Synthesizer{models: models, provider: provider, guard: NewOutputGuard()}
}

// Synthesize 合成结构化答案
// 模型输出经 OutputGuard 处理，保证返回值永远 schema 合法
func (s *Synthesizer) Synthesize(ctx context.Context, apiKey, queryText string, hits []*Hit) (*entity.StructuredAnswer, error) {
	ctx, span := tracer.Start(ctx, "query.Synthesizer.Synthesize")
	defer span.End()

	chatModel, err := s.models.GetWithAPIKey(ctx, s.provider, apiKey)
	if err != nil {
		span.RecordError(err)
		return nil, apperrors.Wrap(err, apperrors.CodeLLMCallFailed, "failed to create chat model")
	}

	userMsg := "Question: " + queryText + "\n\n" + BuildContextBlock(hits, 0, 1200)

	resp, err := chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(synthesisPrompt),
		schema.UserMessage(userMsg),
	})
	if err != nil {
		span.RecordError(err)
		return nil, apperrors.Wrap(err, apperrors.CodeLLMCallFailed, "synthesis call failed")
	}

	answer := s.guard.Process(ctx, resp.Content, func(ctx context.Context, malformed string) (string, error) {
		repairResp, err := chatModel.Generate(ctx, []*schema.Message{
			schema.SystemMessage("Fix the following output so it is a single valid JSON object matching this schema. Output only the JSON.\n" + answerSchemaDescription),
			schema.UserMessage(malformed),
		})
		if err != nil {
			return "", err
		}
		return repairResp.Content, nil
	})
	return answer, nil
}

// BuildContextBlock 将命中列表格式化为可注入 Prompt 的上下文块
// 不把 score 等调试信息带进 Prompt
func BuildContextBlock(hits []*Hit, maxHits, maxRunesPerHit int) string {
	if len(hits) == 0 {
		return "Context: (empty)"
	}
	if maxHits <= 0 || maxHits > len(hits) {
		maxHits = len(hits)
	}
	if maxRunesPerHit <= 0 {
		maxRunesPerHit = 1200
	}

	lines := make([]string, 0, maxHits+1)
	lines = append(lines, "Context passages:")
	for i := 0; i < maxHits; i++ {
		h := hits[i]
		txt := truncateRunes(compactOneLine(h.Node.Text), maxRunesPerHit)
		if strings.TrimSpace(txt) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%d] (file_id=%s file=%s node_id=%s) %s",
			i+1, h.Node.FileID, h.Node.FileName, h.Node.ID, txt))
	}
	return strings.Join(lines, "\n")
}

func compactOneLine(s string) string {
	out := strings.ReplaceAll(s, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "\n")
	out = strings.ReplaceAll(out, "\n", " ")
	out = strings.TrimSpace(out)
	for strings.Contains(out, "  ") {
		out = strings.ReplaceAll(out, "  ", " ")
	}
	return out
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max])) + "…"
}
