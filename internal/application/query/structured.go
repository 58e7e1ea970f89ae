package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/pkg/logger"
)

// RepairFunc 请求模型修复一次畸形输出
type RepairFunc func(ctx context.Context, malformed string) (string, error)

// OutputGuard 结构化输出护栏：提取 → 清洗 → 校验 → 至多一次修复 → 安全兜底
// 无论模型输出多离谱，Process 永远返回 schema 合法的答案，绝不抛解析错误给上层
type OutputGuard struct{}

// NewOutputGuard 创建输出护栏
func NewOutputGuard() *OutputGuard {
	return &OutputGuard{}
}

const refusalFallbackMessage = "I could not produce a well-formed answer for this question. Please try rephrasing it."

// Process 解析模型原始输出为结构化答案
// 首轮失败触发一次修复调用；修复仍失败则返回 refused 兜底
func (g *OutputGuard) Process(ctx context.Context, raw string, repair RepairFunc) *entity.StructuredAnswer {
	answer, err := g.parse(raw)
	if err == nil {
		return answer
	}
	logger.Warn(ctx, "structured answer parse failed, attempting repair", "error", err.Error())

	if repair != nil {
		repaired, rerr := repair(ctx, raw)
		if rerr == nil {
			answer, err = g.parse(repaired)
			if err == nil {
				return answer
			}
		} else {
			err = rerr
		}
	}

	logger.Warn(ctx, "structured answer repair failed, refusing", "error", err.Error())
	return entity.NewRefusedAnswer(refusalFallbackMessage, entity.RefusalUnknown)
}

// parse 提取 JSON、清洗后做 schema 校验
func (g *OutputGuard) parse(raw string) (*entity.StructuredAnswer, error) {
	payload, err := ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var answer entity.StructuredAnswer
	if err := json.Unmarshal(payload, &answer); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	SanitizeAnswer(&answer)
	if err := ValidateAnswer(&answer); err != nil {
		return nil, err
	}
	answer.Normalize()
	return &answer, nil
}

// ExtractJSONObject 从原始文本提取首个完整 JSON 对象
// 容忍 markdown 代码围栏与对象前后的散文
func ExtractJSONObject(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty output")
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, fmt.Errorf("no json object found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(s[start : i+1]), nil
			}
		}
	}
	return nil, fmt.Errorf("unbalanced json object")
}

// SanitizeAnswer 在校验前做宽松清洗：空串枚举归零值、裁剪空白
// 模型偶尔用 "" 表达 null，统一归位后再校验
func SanitizeAnswer(a *entity.StructuredAnswer) {
	a.AnswerMD = strings.TrimSpace(a.AnswerMD)
	a.Intent = entity.QueryIntent(strings.TrimSpace(string(a.Intent)))
	a.AnswerType = entity.AnswerType(strings.TrimSpace(string(a.AnswerType)))

	if a.Confidence != nil && strings.TrimSpace(string(*a.Confidence)) == "" {
		a.Confidence = nil
	}
	if a.RefusalReason != nil && strings.TrimSpace(string(*a.RefusalReason)) == "" {
		a.RefusalReason = nil
	}
	if a.AnswerType == "" {
		a.AnswerType = entity.AnswerTypeUnknown
	}

	kept := a.Citations[:0]
	for _, c := range a.Citations {
		c.FileID = strings.TrimSpace(c.FileID)
		if c.FileID != "" {
			kept = append(kept, c)
		}
	}
	a.Citations = kept
}

// ValidateAnswer 校验必填字段与枚举域
func ValidateAnswer(a *entity.StructuredAnswer) error {
	if a.AnswerMD == "" && !a.Refused {
		return fmt.Errorf("answer_md is required")
	}

	switch a.Intent {
	case entity.IntentCasual, entity.IntentKnowledgeBase:
	default:
		return fmt.Errorf("invalid intent %q", a.Intent)
	}

	switch a.AnswerType {
	case entity.AnswerTypeDirect, entity.AnswerTypeListDocuments, entity.AnswerTypeCompare,
		entity.AnswerTypeSummarize, entity.AnswerTypeUnknown:
	default:
		return fmt.Errorf("invalid answer_type %q", a.AnswerType)
	}

	if a.Confidence != nil {
		switch *a.Confidence {
		case entity.ConfidenceLow, entity.ConfidenceMedium, entity.ConfidenceHigh:
		default:
			return fmt.Errorf("invalid confidence %q", *a.Confidence)
		}
	}

	if a.RefusalReason != nil {
		switch *a.RefusalReason {
		case entity.RefusalNotInCorpus, entity.RefusalOutOfScope, entity.RefusalUnsafe, entity.RefusalUnknown:
		default:
			return fmt.Errorf("invalid refusal_reason %q", *a.RefusalReason)
		}
	}

	if a.Refused && a.RefusalReason == nil {
		return fmt.Errorf("refused answer requires refusal_reason")
	}
	return nil
}
