// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kb-assistant-api/internal/domain/entity"
)

// ConnectionRepository 用户接入配置仓储实现
type ConnectionRepository struct {
	client *Client
}

// NewConnectionRepository 创建用户接入配置仓储
func NewConnectionRepository(client *Client) *ConnectionRepository {
	return &ConnectionRepository{client: client}
}

// Get 获取用户的接入配置，不存在时返回 nil
func (r *ConnectionRepository) Get(ctx context.Context, userID string) (*entity.UserConnection, error) {
	ctx, span := tracer.Start(ctx, "postgres.ConnectionRepository.Get")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var conn entity.UserConnection
	if err := db.First(&conn, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, nil
}

// Upsert 写入或更新用户的接入配置
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *entity.UserConnection) error {
	ctx, span := tracer.Start(ctx, "postgres.ConnectionRepository.Upsert")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(conn).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

// Delete 删除用户的接入配置
func (r *ConnectionRepository) Delete(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "postgres.ConnectionRepository.Delete")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Delete(&entity.UserConnection{}, "user_id = ?", userID).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// ListConnected 列出已配置数据源的用户
func (r *ConnectionRepository) ListConnected(ctx context.Context) ([]*entity.UserConnection, error) {
	ctx, span := tracer.Start(ctx, "postgres.ConnectionRepository.ListConnected")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var conns []*entity.UserConnection
	if err := db.Where("drive_folder_id <> '' OR drive_file_ids IS NOT NULL").Find(&conns).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}
