package query

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kb-assistant-api/internal/application/indexstore"
	"kb-assistant-api/internal/config"
	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
	apperrors "kb-assistant-api/pkg/errors"
	"kb-assistant-api/pkg/logger"
)

var tracer = otel.Tracer("query")

// listQueryPattern 枚举意图的词面特征
// 命中后放宽检索宽度并上调关键词权重，偏向穷举而非语义相似
var listQueryPattern = regexp.MustCompile(`(?i)\b(list|all|show|enumerate|provide|give me|top\s*\d*)\b`)

// IsListQuery 判断是否为枚举类查询
func IsListQuery(query string) bool {
	return listQueryPattern.MatchString(query)
}

// Hit 单条检索命中
type Hit struct {
	Node   *entity.Node
	Score  float64
	Source string
}

// Retriever 混合检索器：向量召回 + 关键词召回，按节点取最大加权分合并
type Retriever struct {
	vector    VectorSearcher
	embedders EmbedderProvider
	cfg       *config.RetrievalConfig
}

// NewRetriever 创建混合检索器
func NewRetriever(vector VectorSearcher, embedders EmbedderProvider, cfg *config.Config) *Retriever {
	return &Retriever{
		vector:    vector,
		embedders: embedders,
		cfg:       &cfg.Retrieval,
	}
}

// params 本次查询生效的检索参数
type params struct {
	topK          int
	mergeLimit    int
	rerankTopN    int
	vectorWeight  float64
	lexicalWeight float64
}

func (r *Retriever) paramsFor(listQuery bool) params {
	p := params{
		topK:          r.cfg.TopK,
		mergeLimit:    r.cfg.MergeLimit,
		rerankTopN:    r.cfg.RerankTopN,
		vectorWeight:  r.cfg.VectorWeight,
		lexicalWeight: r.cfg.LexicalWeight,
	}
	if listQuery {
		p.topK = r.cfg.ListTopK
		p.mergeLimit = r.cfg.ListMergeLimit
		p.rerankTopN = r.cfg.ListRerankTopN
		p.lexicalWeight = r.cfg.LexicalWeight * r.cfg.ListLexicalBoost
	}
	return p
}

// Retrieve 执行混合检索，返回按加权分降序、截断到合并上限的命中列表
func (r *Retriever) Retrieve(ctx context.Context, userID, apiKey, query string, artifacts *indexstore.Artifacts) ([]*Hit, error) {
	listQuery := IsListQuery(query)
	p := r.paramsFor(listQuery)

	ctx, span := tracer.Start(ctx, "query.Retriever.Retrieve",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.Bool("list_query", listQuery),
			attribute.Int("top_k", p.topK),
		))
	defer span.End()

	semantic, err := r.semanticSearch(ctx, userID, apiKey, query, p.topK)
	if err != nil {
		span.RecordError(err)
		// 向量召回失败降级为纯关键词检索
		logger.Warn(ctx, "semantic search failed, falling back to lexical only",
			"user_id", userID, "error", err.Error())
		semantic = nil
	}

	lexical := NewLexicalIndex(artifacts.Nodes).Search(query, p.topK)

	merged := mergeHits(semantic, lexical, p.vectorWeight, p.lexicalWeight, p.mergeLimit)
	if len(semantic) == 0 && len(lexical) == 0 {
		logger.Info(ctx, "retrieval produced no candidates", "user_id", userID)
	}
	return merged, nil
}

// RerankTopN 返回本次查询类型对应的重排截断宽度
func (r *Retriever) RerankTopN(query string) int {
	return r.paramsFor(IsListQuery(query)).rerankTopN
}

func (r *Retriever) semanticSearch(ctx context.Context, userID, apiKey, query string, topK int) ([]*entity.Node, error) {
	embedder, err := r.embedders.GetWithAPIKey(ctx, apiKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeEmbeddingFailed, "failed to create embedder")
	}

	vectors, err := embedder.EmbedStrings(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		return nil, apperrors.Wrap(err, apperrors.CodeEmbeddingFailed, "failed to embed query")
	}
	queryVector := make([]float32, 0, len(vectors[0]))
	for _, x := range vectors[0] {
		queryVector = append(queryVector, float32(x))
	}

	results, err := r.vector.SearchNodes(ctx, &milvus.SearchParams{
		UserID:      userID,
		QueryVector: queryVector,
		TopK:        topK,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeRetrievalFailed, "vector search failed")
	}

	nodes := make([]*entity.Node, 0, len(results))
	for _, res := range results {
		if res == nil {
			continue
		}
		nodes = append(nodes, &entity.Node{
			ID:               strings.TrimSpace(res.ID),
			UserID:           userID,
			FileID:           res.FileID,
			FileName:         res.FileName,
			RevisionID:       res.RevisionID,
			PageNumber:       res.PageNumber,
			ExtractionMethod: res.ExtractionMethod,
			Text:             res.TextContent,
			Score:            clampUnit(float64(res.Score)),
		})
	}
	return nodes, nil
}

// clampUnit COSINE 度量下 Milvus 返回的即余弦相似度，越大越近；
// 夹到 [0,1] 与归一化后的词法分同域
func clampUnit(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// mergeHits 双路合并：同一节点取各来源加权分的最大值而非求和
// 求和会双重偏袒恰好被两路同时召回的节点
func mergeHits(semantic, lexical []*entity.Node, vectorWeight, lexicalWeight float64, limit int) []*Hit {
	byID := make(map[string]*Hit)

	consider := func(node *entity.Node, weight float64, source string) {
		score := node.Score * weight
		if prev, ok := byID[node.ID]; ok {
			if score > prev.Score {
				prev.Score = score
				prev.Source = source
				prev.Node = node
			}
			return
		}
		byID[node.ID] = &Hit{Node: node, Score: score, Source: source}
	}

	for _, n := range semantic {
		consider(n, vectorWeight, "vector")
	}
	for _, n := range lexical {
		consider(n, lexicalWeight, "lexical")
	}

	hits := make([]*Hit, 0, len(byID))
	for _, h := range byID {
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Node.ID < hits[j].Node.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
