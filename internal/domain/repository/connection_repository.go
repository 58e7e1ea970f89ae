// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"kb-assistant-api/internal/domain/entity"
)

// ConnectionRepository 用户接入配置仓储接口
type ConnectionRepository interface {
	// Get 获取用户的接入配置，不存在时返回 nil
	Get(ctx context.Context, userID string) (*entity.UserConnection, error)

	// Upsert 写入或更新用户的接入配置
	Upsert(ctx context.Context, conn *entity.UserConnection) error

	// Delete 删除用户的接入配置
	Delete(ctx context.Context, userID string) error

	// ListConnected 列出已配置数据源的用户
	ListConnected(ctx context.Context) ([]*entity.UserConnection, error)
}
