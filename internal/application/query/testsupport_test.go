package query

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"kb-assistant-api/internal/config"
	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
)

// ---- 测试替身 ----

type fakeVectorSearcher struct {
	results []*milvus.SearchResult
	err     error
}

func (f *fakeVectorSearcher) SearchNodes(_ context.Context, _ *milvus.SearchParams) ([]*milvus.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeEmbedderProvider struct {
	err error
}

func (p *fakeEmbedderProvider) GetWithAPIKey(_ context.Context, _ string) (embedding.Embedder, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &fakeEmbedder{}, nil
}

// fakeChatModel 按调用顺序回放预置回复
type fakeChatModel struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     [][]*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, input)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return schema.AssistantMessage(resp, nil), nil
}

func (m *fakeChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported in tests")
}

func (m *fakeChatModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakeModelProvider struct {
	model *fakeChatModel
	err   error
}

func (p *fakeModelProvider) GetWithAPIKey(_ context.Context, _, _ string) (model.BaseChatModel, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.model == nil {
		p.model = &fakeChatModel{}
	}
	return p.model, nil
}

// ---- 构造辅助 ----

func testRetrievalConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Retrieval.TopK = 6
	cfg.Retrieval.ListTopK = 24
	cfg.Retrieval.MergeLimit = 10
	cfg.Retrieval.ListMergeLimit = 30
	cfg.Retrieval.RerankTopN = 6
	cfg.Retrieval.ListRerankTopN = 24
	cfg.Retrieval.VectorWeight = 0.5
	cfg.Retrieval.LexicalWeight = 0.5
	cfg.Retrieval.ListLexicalBoost = 1.2
	cfg.Retrieval.ParseListLimit = 5
	cfg.LLM.DefaultProvider = "openai"
	return cfg
}

func testNode(id, fileID, text string) *entity.Node {
	return &entity.Node{
		ID:               id,
		UserID:           "u1",
		FileID:           fileID,
		FileName:         fileID + ".txt",
		RevisionID:       "rev-1",
		PageNumber:       1,
		ExtractionMethod: "plain_text",
		Text:             text,
	}
}

func scoredNode(id string, score float64) *entity.Node {
	n := testNode(id, "file-"+id, "text for "+id)
	n.Score = score
	return n
}

func hitsOf(nodes ...*entity.Node) []*Hit {
	out := make([]*Hit, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Hit{Node: n, Score: n.Score, Source: "vector"})
	}
	return out
}
