// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	// CollectionDocumentNodes 文档节点集合
	CollectionDocumentNodes = "document_nodes"
)

// DocumentNodesSchema 文档节点 Collection Schema
func DocumentNodesSchema(dim string) *entity.Schema {
	return &entity.Schema{
		CollectionName: CollectionDocumentNodes,
		Description:    "Chunked document nodes for semantic search",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": dim,
				},
			},
			{
				Name:     "user_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "file_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "file_name",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     "revision_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "page_number",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "extraction_method",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "32",
				},
			},
			{
				Name:     "text_content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
		},
	}
}

// DocumentNode 文档节点数据结构
type DocumentNode struct {
	ID               string    `json:"id"`
	Vector           []float32 `json:"vector"`
	UserID           string    `json:"user_id"`
	FileID           string    `json:"file_id"`
	FileName         string    `json:"file_name"`
	RevisionID       string    `json:"revision_id"`
	PageNumber       int64     `json:"page_number"`
	ExtractionMethod string    `json:"extraction_method"`
	TextContent      string    `json:"text_content"`
}

// PartitionName 生成用户分区名称
// Milvus 分区名只允许字母数字与下划线
func PartitionName(userID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, userID)
	return "user_" + sanitized
}
