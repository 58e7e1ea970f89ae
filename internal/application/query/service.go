package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kb-assistant-api/internal/application/indexstore"
	"kb-assistant-api/internal/config"
	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/domain/repository"
	einoobs "kb-assistant-api/internal/observability/eino"
	apperrors "kb-assistant-api/pkg/errors"
	"kb-assistant-api/pkg/logger"
	"kb-assistant-api/pkg/metrics"
)

const stillConnectingMessage = "Your knowledge base is still connecting. Please try again once indexing has completed."

const casualPrompt = `You are a friendly personal knowledge assistant. Reply briefly and conversationally. Do not invent facts about the user's documents.`

// Result 一次问答的完整结果
type Result struct {
	Answer   *entity.StructuredAnswer `json:"answer"`
	Markdown string                   `json:"markdown"`
	Intent   entity.QueryIntent       `json:"intent"`
}

// Service 问答服务：路由 → 检索 → 重排 → 合成 → 兜底
type Service struct {
	store       *indexstore.Store
	conns       repository.ConnectionRepository
	retriever   *Retriever
	router      *Router
	reranker    *Reranker
	synthesizer *Synthesizer
	fallback    *CatalogFallback
	models      ModelProvider
	provider    string
}

// NewService 创建问答服务
func NewService(
	store *indexstore.Store,
	conns repository.ConnectionRepository,
	vector VectorSearcher,
	embedders EmbedderProvider,
	models ModelProvider,
	cfg *config.Config,
) *Service {
	provider := cfg.LLM.DefaultProvider
	return &Service{
		store:       store,
		conns:       conns,
		retriever:   NewRetriever(vector, embedders, cfg),
		router:      NewRouter(models, provider),
		reranker:    NewReranker(models, provider),
		synthesizer: NewSynthesizer(models, provider),
		fallback:    NewCatalogFallback(cfg.Retrieval.ParseListLimit),
		models:      models,
		provider:    provider,
	}
}

// Query 处理一次用户提问，返回结构化答案与渲染后的 markdown
func (s *Service) Query(ctx context.Context, userID, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "query text is required")
	}

	ctx, span := tracer.Start(ctx, "query.Service.Query",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()
	ctx = einoobs.WithProvider(ctx, s.provider)
	start := time.Now()

	// 入站安全闸：命中受限词直接拒答，不走模型
	if term := violatedTerm(text); term != "" {
		answer := entity.NewRefusedAnswer("Content contains restricted term: "+term, entity.RefusalUnsafe)
		metrics.QueryTotal.WithLabelValues(string(answer.Intent), "refused").Inc()
		return &Result{
			Answer:   answer,
			Markdown: RenderMarkdown(answer),
			Intent:   answer.Intent,
		}, nil
	}

	apiKey := ""
	if conn, err := s.conns.Get(ctx, userID); err == nil && conn != nil {
		apiKey = conn.OpenAIAPIKey
	}

	intent, reason := s.router.Route(ctx, apiKey, text)
	span.SetAttributes(
		attribute.String("intent", string(intent)),
		attribute.String("route_reason", reason),
	)

	var (
		answer *entity.StructuredAnswer
		err    error
	)
	switch intent {
	case entity.IntentCasual:
		answer, err = s.casual(ctx, apiKey, text)
	default:
		answer, err = s.knowledgeBase(ctx, userID, apiKey, text)
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.QueryTotal.WithLabelValues(string(intent), status).Inc()
	metrics.QueryDuration.WithLabelValues(string(intent)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// 出站安全闸：合成结果同样受限，违规时整体打码
	if term := violatedTerm(answer.AnswerMD); term != "" {
		logger.Warn(ctx, "answer redacted by safety policy", "user_id", userID, "term", term)
		answer = entity.NewRefusedAnswer(redactedMessage, entity.RefusalUnsafe)
		answer.Intent = intent
	}

	return &Result{
		Answer:   answer,
		Markdown: RenderMarkdown(answer),
		Intent:   intent,
	}, nil
}

// casual 闲聊路径：不检索、不引用
func (s *Service) casual(ctx context.Context, apiKey, text string) (*entity.StructuredAnswer, error) {
	chatModel, err := s.models.GetWithAPIKey(ctx, s.provider, apiKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMCallFailed, "failed to create chat model")
	}

	resp, err := chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(casualPrompt),
		schema.UserMessage(text),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMCallFailed, "casual reply failed")
	}

	return &entity.StructuredAnswer{
		AnswerMD:   strings.TrimSpace(resp.Content),
		Intent:     entity.IntentCasual,
		AnswerType: entity.AnswerTypeDirect,
	}, nil
}

// knowledgeBase 知识库路径：工件就绪检查 → 混合检索 → 重排 → 合成 → 枚举兜底
func (s *Service) knowledgeBase(ctx context.Context, userID, apiKey, text string) (*entity.StructuredAnswer, error) {
	artifacts, err := s.store.Ensure(ctx, userID)
	if err != nil {
		if errors.Is(err, indexstore.ErrIndexNotReady) {
			return entity.NewRefusedAnswer(stillConnectingMessage, entity.RefusalUnknown), nil
		}
		return nil, err
	}

	hits, err := s.retriever.Retrieve(ctx, userID, apiKey, text, artifacts)
	if err != nil {
		return nil, err
	}
	hits = s.reranker.Rerank(ctx, apiKey, text, hits, s.retriever.RerankTopN(text))

	answer, err := s.synthesizer.Synthesize(ctx, apiKey, text, hits)
	if err != nil {
		return nil, err
	}

	if IsListQuery(text) {
		answer = s.fallback.Apply(ctx, text, answer, artifacts.Catalog)
	}

	logger.Info(ctx, "query answered",
		"user_id", userID,
		"hits", len(hits),
		"refused", answer.Refused,
		"answer_type", string(answer.AnswerType),
	)
	return answer, nil
}
