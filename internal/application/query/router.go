package query

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"

	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/pkg/logger"
)

// Router 基于对话模型的意图路由
// 模型输出视为不可信输入：无法识别时保守落到知识库检索
type Router struct {
	models   ModelProvider
	provider string
}

// NewRouter 创建意图路由器
func NewRouter(models ModelProvider, provider string) *Router {
	return &Router{models: models, provider: provider}
}

// 两条能力的自然语言描述是路由的唯一决策输入，不做关键词硬编码
const routerPrompt = `You are a dispatcher. Choose exactly one capability for the user's message.

[1] casual — small talk, greetings, chit-chat, questions about you as an assistant. Needs no documents.
[2] knowledge_base — any question that could be answered from the user's personal document collection, including asking what documents exist.

Reply with one line: "<number>: <short reason>". No other text.`

// Route 返回查询意图及模型给出的理由
func (r *Router) Route(ctx context.Context, apiKey, queryText string) (entity.QueryIntent, string) {
	ctx, span := tracer.Start(ctx, "query.Router.Route")
	defer span.End()

	chatModel, err := r.models.GetWithAPIKey(ctx, r.provider, apiKey)
	if err != nil {
		span.RecordError(err)
		return entity.IntentKnowledgeBase, "router unavailable, defaulting to knowledge_base"
	}

	resp, err := chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(routerPrompt),
		schema.UserMessage(queryText),
	})
	if err != nil {
		span.RecordError(err)
		logger.Warn(ctx, "intent routing failed, defaulting to knowledge_base", "error", err.Error())
		return entity.IntentKnowledgeBase, "routing call failed"
	}

	choice, reason := parseRouteChoice(resp.Content)
	logger.Info(ctx, "intent routed", "intent", string(choice), "reason", reason)
	return choice, reason
}

func parseRouteChoice(content string) (entity.QueryIntent, string) {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	numStr, reason, _ := strings.Cut(line, ":")
	reason = strings.TrimSpace(reason)

	switch strings.Trim(strings.TrimSpace(numStr), "[]") {
	case "1":
		return entity.IntentCasual, reason
	case "2":
		return entity.IntentKnowledgeBase, reason
	default:
		// 识别不出按知识库处理，宁可多查一次也不漏答
		return entity.IntentKnowledgeBase, "unrecognized routing output"
	}
}
