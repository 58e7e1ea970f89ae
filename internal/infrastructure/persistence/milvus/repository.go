// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kb-assistant-api/pkg/metrics"
)

// Repository 向量检索仓储
type Repository struct {
	client *Client
	dim    int
}

// NewRepository 创建向量检索仓储
func NewRepository(client *Client, dim int) *Repository {
	return &Repository{client: client, dim: dim}
}

// SearchParams 检索参数
type SearchParams struct {
	UserID      string
	QueryVector []float32
	TopK        int
}

// SearchResult 检索结果
type SearchResult struct {
	ID               string
	Score            float32
	TextContent      string
	FileID           string
	FileName         string
	RevisionID       string
	PageNumber       int64
	ExtractionMethod string
}

// CreateCollection 创建集合
func (r *Repository) CreateCollection(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreateCollection",
		trace.WithAttributes(attribute.String("collection", CollectionDocumentNodes)))
	defer span.End()

	schema := DocumentNodesSchema(strconv.Itoa(r.dim))
	err := r.client.milvus.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// CreateIndex 创建 HNSW 索引
func (r *Repository) CreateIndex(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreateIndex",
		trace.WithAttributes(attribute.String("collection", CollectionDocumentNodes)))
	defer span.End()

	idx, err := entity.NewIndexHNSW(
		entity.COSINE,
		r.client.config.HNSWM,
		r.client.config.HNSWEfConstruction,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = r.client.milvus.CreateIndex(ctx, CollectionDocumentNodes, "vector", idx, false)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// CreatePartition 创建用户分区
func (r *Repository) CreatePartition(ctx context.Context, userID string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreatePartition",
		trace.WithAttributes(attribute.String("partition", PartitionName(userID))))
	defer span.End()

	return r.client.milvus.CreatePartition(ctx, CollectionDocumentNodes, PartitionName(userID))
}

// SearchNodes 检索用户的文档节点
func (r *Repository) SearchNodes(ctx context.Context, params *SearchParams) ([]*SearchResult, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.SearchNodes",
		trace.WithAttributes(
			attribute.String("user_id", params.UserID),
			attribute.Int("top_k", params.TopK),
		))
	defer span.End()

	start := time.Now()
	partitionName := PartitionName(params.UserID)

	// 分区尚未创建（例如新用户）时直接返回空结果
	if has, err := r.client.milvus.HasPartition(ctx, CollectionDocumentNodes, partitionName); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to check partition: %w", err)
	} else if !has {
		return []*SearchResult{}, nil
	}

	filter := fmt.Sprintf(`user_id == "%s"`, params.UserID)

	sp, err := entity.NewIndexHNSWSearchParam(128)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	results, err := r.client.milvus.Search(ctx,
		CollectionDocumentNodes,
		[]string{partitionName},
		filter,
		[]string{"id", "text_content", "file_id", "file_name", "revision_id", "page_number", "extraction_method"},
		[]entity.Vector{entity.FloatVector(params.QueryVector)},
		"vector",
		entity.COSINE,
		params.TopK,
		sp,
	)
	metrics.MilvusSearchDuration.WithLabelValues(CollectionDocumentNodes).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MilvusSearchTotal.WithLabelValues(CollectionDocumentNodes, "error").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	metrics.MilvusSearchTotal.WithLabelValues(CollectionDocumentNodes, "ok").Inc()

	var searchResults []*SearchResult
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			sr := &SearchResult{
				Score: result.Scores[i],
			}

			if idCol, ok := result.Fields.GetColumn("id").(*entity.ColumnVarChar); ok {
				sr.ID = idCol.Data()[i]
			}
			if textCol, ok := result.Fields.GetColumn("text_content").(*entity.ColumnVarChar); ok {
				sr.TextContent = textCol.Data()[i]
			}
			if fileCol, ok := result.Fields.GetColumn("file_id").(*entity.ColumnVarChar); ok {
				sr.FileID = fileCol.Data()[i]
			}
			if nameCol, ok := result.Fields.GetColumn("file_name").(*entity.ColumnVarChar); ok {
				sr.FileName = nameCol.Data()[i]
			}
			if revCol, ok := result.Fields.GetColumn("revision_id").(*entity.ColumnVarChar); ok {
				sr.RevisionID = revCol.Data()[i]
			}
			if pageCol, ok := result.Fields.GetColumn("page_number").(*entity.ColumnInt64); ok {
				sr.PageNumber = pageCol.Data()[i]
			}
			if extCol, ok := result.Fields.GetColumn("extraction_method").(*entity.ColumnVarChar); ok {
				sr.ExtractionMethod = extCol.Data()[i]
			}

			searchResults = append(searchResults, sr)
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(searchResults)))
	return searchResults, nil
}

// InsertNodes 插入文档节点
func (r *Repository) InsertNodes(ctx context.Context, userID string, nodes []*DocumentNode) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.InsertNodes",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.Int("count", len(nodes)),
		))
	defer span.End()

	if len(nodes) == 0 {
		return nil
	}

	partitionName := PartitionName(userID)

	// 确保分区存在
	has, _ := r.client.milvus.HasPartition(ctx, CollectionDocumentNodes, partitionName)
	if !has {
		if err := r.CreatePartition(ctx, userID); err != nil {
			return err
		}
	}

	ids := make([]string, len(nodes))
	vectors := make([][]float32, len(nodes))
	userIDs := make([]string, len(nodes))
	fileIDs := make([]string, len(nodes))
	fileNames := make([]string, len(nodes))
	revisionIDs := make([]string, len(nodes))
	pageNumbers := make([]int64, len(nodes))
	extractionMethods := make([]string, len(nodes))
	textContents := make([]string, len(nodes))

	for i, node := range nodes {
		ids[i] = node.ID
		vectors[i] = node.Vector
		userIDs[i] = node.UserID
		fileIDs[i] = node.FileID
		fileNames[i] = node.FileName
		revisionIDs[i] = node.RevisionID
		pageNumbers[i] = node.PageNumber
		extractionMethods[i] = node.ExtractionMethod
		textContents[i] = node.TextContent
	}

	idCol := entity.NewColumnVarChar("id", ids)
	vectorCol := entity.NewColumnFloatVector("vector", r.dim, vectors)
	userCol := entity.NewColumnVarChar("user_id", userIDs)
	fileCol := entity.NewColumnVarChar("file_id", fileIDs)
	nameCol := entity.NewColumnVarChar("file_name", fileNames)
	revCol := entity.NewColumnVarChar("revision_id", revisionIDs)
	pageCol := entity.NewColumnInt64("page_number", pageNumbers)
	extCol := entity.NewColumnVarChar("extraction_method", extractionMethods)
	textCol := entity.NewColumnVarChar("text_content", textContents)

	_, err := r.client.milvus.Insert(ctx, CollectionDocumentNodes, partitionName,
		idCol, vectorCol, userCol, fileCol, nameCol, revCol, pageCol, extCol, textCol)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert nodes: %w", err)
	}

	return nil
}

// DeleteByUser 删除用户的全部节点
// 重建索引前清空旧数据，保证写入幂等
func (r *Repository) DeleteByUser(ctx context.Context, userID string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.DeleteByUser",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	partitionName := PartitionName(userID)

	if has, err := r.client.milvus.HasPartition(ctx, CollectionDocumentNodes, partitionName); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check partition: %w", err)
	} else if !has {
		return nil
	}

	filter := fmt.Sprintf(`user_id == "%s"`, userID)
	if err := r.client.milvus.Delete(ctx, CollectionDocumentNodes, partitionName, filter); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete nodes: %w", err)
	}
	return nil
}

// ListNodesByUser 列出用户的全部节点（不含向量），用于进程重启后重建内存工件
func (r *Repository) ListNodesByUser(ctx context.Context, userID string) ([]*SearchResult, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.ListNodesByUser",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	partitionName := PartitionName(userID)

	if has, err := r.client.milvus.HasPartition(ctx, CollectionDocumentNodes, partitionName); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to check partition: %w", err)
	} else if !has {
		return []*SearchResult{}, nil
	}

	filter := fmt.Sprintf(`user_id == "%s"`, userID)
	rs, err := r.client.milvus.Query(ctx,
		CollectionDocumentNodes,
		[]string{partitionName},
		filter,
		[]string{"id", "text_content", "file_id", "file_name", "revision_id", "page_number", "extraction_method"},
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}

	var (
		ids, texts, fileIDs, fileNames, revisionIDs, extractions []string
		pages                                                    []int64
	)
	for _, col := range rs {
		switch col.Name() {
		case "id":
			if c, ok := col.(*entity.ColumnVarChar); ok {
				ids = c.Data()
			}
		case "text_content":
			if c, ok := col.(*entity.ColumnVarChar); ok {
				texts = c.Data()
			}
		case "file_id":
			if c, ok := col.(*entity.ColumnVarChar); ok {
				fileIDs = c.Data()
			}
		case "file_name":
			if c, ok := col.(*entity.ColumnVarChar); ok {
				fileNames = c.Data()
			}
		case "revision_id":
			if c, ok := col.(*entity.ColumnVarChar); ok {
				revisionIDs = c.Data()
			}
		case "extraction_method":
			if c, ok := col.(*entity.ColumnVarChar); ok {
				extractions = c.Data()
			}
		case "page_number":
			if c, ok := col.(*entity.ColumnInt64); ok {
				pages = c.Data()
			}
		}
	}

	results := make([]*SearchResult, 0, len(ids))
	for i := range ids {
		sr := &SearchResult{ID: ids[i]}
		if i < len(texts) {
			sr.TextContent = texts[i]
		}
		if i < len(fileIDs) {
			sr.FileID = fileIDs[i]
		}
		if i < len(fileNames) {
			sr.FileName = fileNames[i]
		}
		if i < len(revisionIDs) {
			sr.RevisionID = revisionIDs[i]
		}
		if i < len(extractions) {
			sr.ExtractionMethod = extractions[i]
		}
		if i < len(pages) {
			sr.PageNumber = pages[i]
		}
		results = append(results, sr)
	}

	span.SetAttributes(attribute.Int("result_count", len(results)))
	return results, nil
}

// Flush 刷新集合，保证写入可见
func (r *Repository) Flush(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.Flush")
	defer span.End()

	return r.client.milvus.Flush(ctx, CollectionDocumentNodes, false)
}

// EnsureCollection 确保集合与索引可用（不存在则创建）
// 约束：不会做 drop/rebuild 等破坏性操作
func (r *Repository) EnsureCollection(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}

	exists, err := r.client.HasCollection(ctx, CollectionDocumentNodes)
	if err != nil {
		return err
	}
	if !exists {
		if err := r.CreateCollection(ctx); err != nil {
			return err
		}
		// 新建集合时创建索引；若失败，允许后续由运维介入
		_ = r.CreateIndex(ctx)
	}

	return r.client.LoadCollection(ctx, CollectionDocumentNodes)
}
