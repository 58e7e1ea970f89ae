// Package indexstore 管理每用户的内存检索工件
//
// 工件（词法节点 + 文档目录）可随时从 Milvus 重建，
// 进程重启或显式驱逐后按需惰性恢复。
package indexstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/domain/repository"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
)

var tracer = otel.Tracer("indexstore")

// ErrIndexNotReady 索引尚未构建完成，无法提供检索
var ErrIndexNotReady = errors.New("knowledge index is not ready")

// Artifacts 单个用户的内存检索工件
type Artifacts struct {
	Nodes   []*entity.Node
	Catalog []entity.CatalogItem
	BuiltAt time.Time
}

// NodeLister 从持久层列出用户节点的最小依赖
type NodeLister interface {
	ListNodesByUser(ctx context.Context, userID string) ([]*milvus.SearchResult, error)
}

// Store 每用户工件存储
type Store struct {
	mu     sync.RWMutex
	byUser map[string]*Artifacts

	lister   NodeLister
	statuses repository.IndexStatusRepository
}

// NewStore 创建工件存储
func NewStore(lister NodeLister, statuses repository.IndexStatusRepository) *Store {
	return &Store{
		byUser:   make(map[string]*Artifacts),
		lister:   lister,
		statuses: statuses,
	}
}

// Get 获取用户工件，不存在时返回 nil
func (s *Store) Get(userID string) *Artifacts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUser[userID]
}

// Put 写入用户工件
func (s *Store) Put(userID string, a *Artifacts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[userID] = a
}

// Evict 驱逐用户工件（配置变更、重置、重建前调用）
func (s *Store) Evict(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byUser, userID)
}

// Ensure 获取用户工件；内存缺失但持久状态为 COMPLETED 时从 Milvus 重建
// 索引未就绪时返回 ErrIndexNotReady
func (s *Store) Ensure(ctx context.Context, userID string) (*Artifacts, error) {
	if a := s.Get(userID); a != nil {
		return a, nil
	}

	ctx, span := tracer.Start(ctx, "indexstore.Ensure",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	status, err := s.statuses.Get(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if status == nil || status.State != entity.IndexStateCompleted {
		return nil, ErrIndexNotReady
	}

	a, err := s.rebuild(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.Put(userID, a)
	span.SetAttributes(attribute.Int("node_count", len(a.Nodes)))
	return a, nil
}

// rebuild 从 Milvus 重建工件
func (s *Store) rebuild(ctx context.Context, userID string) (*Artifacts, error) {
	rows, err := s.lister.ListNodesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	nodes := make([]*entity.Node, 0, len(rows))
	files := make(map[string]string, len(rows))
	for _, r := range rows {
		nodes = append(nodes, &entity.Node{
			ID:               r.ID,
			UserID:           userID,
			FileID:           r.FileID,
			FileName:         r.FileName,
			RevisionID:       r.RevisionID,
			PageNumber:       r.PageNumber,
			ExtractionMethod: r.ExtractionMethod,
			Text:             r.TextContent,
		})
		files[r.FileID] = r.FileName
	}

	return &Artifacts{
		Nodes:   nodes,
		Catalog: BuildCatalog(files),
		BuiltAt: time.Now(),
	}, nil
}
