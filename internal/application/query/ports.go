package query

import (
	"context"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"

	"kb-assistant-api/internal/infrastructure/persistence/milvus"
)

// VectorSearcher 应用层对向量检索的最小依赖（port）
type VectorSearcher interface {
	SearchNodes(ctx context.Context, params *milvus.SearchParams) ([]*milvus.SearchResult, error)
}

// EmbedderProvider 按用户密钥提供 Embedder
type EmbedderProvider interface {
	GetWithAPIKey(ctx context.Context, apiKey string) (embedding.Embedder, error)
}

// ModelProvider 按提供商名与用户密钥提供对话模型
type ModelProvider interface {
	GetWithAPIKey(ctx context.Context, name, apiKey string) (model.BaseChatModel, error)
}
