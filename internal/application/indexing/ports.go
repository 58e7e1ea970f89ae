package indexing

import (
	"context"

	"github.com/cloudwego/eino/components/embedding"

	"kb-assistant-api/internal/infrastructure/drive"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
)

// DocumentSource 应用层对文档数据源的最小依赖（port）
// 由基础设施层提供具体实现（例如 Google Drive）
type DocumentSource interface {
	ListFolderFiles(ctx context.Context, token, folderID string) ([]*drive.FileMeta, error)
	GetFileMeta(ctx context.Context, token, fileID string) (*drive.FileMeta, error)
	DownloadText(ctx context.Context, token string, meta *drive.FileMeta) (string, error)
}

// VectorIndex 应用层对向量存储的最小依赖（port）
type VectorIndex interface {
	EnsureCollection(ctx context.Context) error
	DeleteByUser(ctx context.Context, userID string) error
	InsertNodes(ctx context.Context, userID string, nodes []*milvus.DocumentNode) error
	Flush(ctx context.Context) error
}

// EmbedderProvider 按用户密钥提供 Embedder
type EmbedderProvider interface {
	GetWithAPIKey(ctx context.Context, apiKey string) (embedding.Embedder, error)
}
