// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kb-assistant-api/internal/domain/entity"
)

// IndexStatusRepository 索引状态仓储实现
type IndexStatusRepository struct {
	client *Client
}

// NewIndexStatusRepository 创建索引状态仓储
func NewIndexStatusRepository(client *Client) *IndexStatusRepository {
	return &IndexStatusRepository{client: client}
}

// Get 获取用户的索引状态，不存在时返回 nil
func (r *IndexStatusRepository) Get(ctx context.Context, userID string) (*entity.IndexStatus, error) {
	ctx, span := tracer.Start(ctx, "postgres.IndexStatusRepository.Get")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var status entity.IndexStatus
	if err := db.First(&status, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get index status: %w", err)
	}
	return &status, nil
}

// Upsert 写入或更新用户的索引状态
func (r *IndexStatusRepository) Upsert(ctx context.Context, status *entity.IndexStatus) error {
	ctx, span := tracer.Start(ctx, "postgres.IndexStatusRepository.Upsert")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(status).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert index status: %w", err)
	}
	return nil
}

// Delete 删除用户的索引状态
func (r *IndexStatusRepository) Delete(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "postgres.IndexStatusRepository.Delete")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Delete(&entity.IndexStatus{}, "user_id = ?", userID).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete index status: %w", err)
	}
	return nil
}

// ListByState 按状态列出记录
func (r *IndexStatusRepository) ListByState(ctx context.Context, state entity.IndexState) ([]*entity.IndexStatus, error) {
	ctx, span := tracer.Start(ctx, "postgres.IndexStatusRepository.ListByState")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var statuses []*entity.IndexStatus
	if err := db.Where("state = ?", state).Find(&statuses).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list index statuses: %w", err)
	}
	return statuses, nil
}
