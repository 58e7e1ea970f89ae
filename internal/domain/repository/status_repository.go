// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"kb-assistant-api/internal/domain/entity"
)

// IndexStatusRepository 索引状态仓储接口
type IndexStatusRepository interface {
	// Get 获取用户的索引状态，不存在时返回 nil
	Get(ctx context.Context, userID string) (*entity.IndexStatus, error)

	// Upsert 写入或更新用户的索引状态
	Upsert(ctx context.Context, status *entity.IndexStatus) error

	// Delete 删除用户的索引状态
	Delete(ctx context.Context, userID string) error

	// ListByState 按状态列出记录
	ListByState(ctx context.Context, state entity.IndexState) ([]*entity.IndexStatus, error)
}
