package entity

import (
	"time"
)

// IndexState 索引构建状态
type IndexState string

const (
	IndexStatePending    IndexState = "PENDING"
	IndexStateProcessing IndexState = "PROCESSING"
	IndexStateCompleted  IndexState = "COMPLETED"
	IndexStateFailed     IndexState = "FAILED"
)

// IsTerminal 是否为终态
func (s IndexState) IsTerminal() bool {
	return s == IndexStateCompleted || s == IndexStateFailed
}

// IndexStatus 用户知识库索引构建状态记录
// 每个用户一行，记录最近一次构建的进度与结果
type IndexStatus struct {
	UserID        string     `json:"user_id" gorm:"primaryKey"`
	State         IndexState `json:"state"`
	Progress      int        `json:"progress"` // 0-100
	Message       string     `json:"message,omitempty"`
	Error         string     `json:"error,omitempty"`
	DocumentCount int        `json:"document_count"`
	NodeCount     int        `json:"node_count"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (IndexStatus) TableName() string {
	return "index_statuses"
}

// NewIndexStatus 创建待处理状态记录
func NewIndexStatus(userID string) *IndexStatus {
	now := time.Now()
	return &IndexStatus{
		UserID:    userID,
		State:     IndexStatePending,
		Progress:  0,
		UpdatedAt: now,
	}
}

// MarkProcessing 进入处理中状态
func (s *IndexStatus) MarkProcessing(message string) {
	now := time.Now()
	s.State = IndexStateProcessing
	s.Progress = 0
	s.Message = message
	s.Error = ""
	s.StartedAt = &now
	s.FinishedAt = nil
	s.UpdatedAt = now
}

// Advance 推进进度，进度只增不减
func (s *IndexStatus) Advance(progress int, message string) {
	if progress > s.Progress {
		s.Progress = progress
	}
	s.Message = message
	s.UpdatedAt = time.Now()
}

// MarkCompleted 标记完成
func (s *IndexStatus) MarkCompleted(documentCount, nodeCount int) {
	now := time.Now()
	s.State = IndexStateCompleted
	s.Progress = 100
	s.Message = "index build completed"
	s.Error = ""
	s.DocumentCount = documentCount
	s.NodeCount = nodeCount
	s.FinishedAt = &now
	s.UpdatedAt = now
}

// MarkFailed 标记失败
func (s *IndexStatus) MarkFailed(errMsg string) {
	now := time.Now()
	s.State = IndexStateFailed
	s.Message = "index build failed"
	s.Error = errMsg
	s.FinishedAt = &now
	s.UpdatedAt = now
}

// IsStale 处理中状态超过上限视为陈旧
func (s *IndexStatus) IsStale(ceiling time.Duration) bool {
	if s.State != IndexStateProcessing {
		return false
	}
	ref := s.UpdatedAt
	if s.StartedAt != nil && s.StartedAt.After(ref) {
		ref = *s.StartedAt
	}
	return time.Since(ref) > ceiling
}
