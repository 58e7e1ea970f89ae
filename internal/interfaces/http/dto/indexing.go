package dto

import (
	"time"

	"kb-assistant-api/internal/domain/entity"
)

// StartIndexingRequest 索引构建请求
type StartIndexingRequest struct {
	Force  bool `json:"force,omitempty"`
	Inline bool `json:"inline,omitempty"`
}

// IndexStatusDTO 索引状态
type IndexStatusDTO struct {
	State         string     `json:"state"`
	Progress      int        `json:"progress"`
	Message       string     `json:"message,omitempty"`
	Error         string     `json:"error,omitempty"`
	DocumentCount int        `json:"document_count"`
	NodeCount     int        `json:"node_count"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StartIndexingResponse 索引构建响应
type StartIndexingResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Status  *IndexStatusDTO `json:"status"`
}

// ToIndexStatusDTO 将领域实体转换为 DTO
func ToIndexStatusDTO(s *entity.IndexStatus) *IndexStatusDTO {
	if s == nil {
		return nil
	}
	return &IndexStatusDTO{
		State:         string(s.State),
		Progress:      s.Progress,
		Message:       s.Message,
		Error:         s.Error,
		DocumentCount: s.DocumentCount,
		NodeCount:     s.NodeCount,
		StartedAt:     s.StartedAt,
		FinishedAt:    s.FinishedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
