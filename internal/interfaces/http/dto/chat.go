package dto

import (
	"kb-assistant-api/internal/domain/entity"
)

// ChatQueryRequest 问答请求
type ChatQueryRequest struct {
	Query string `json:"query" binding:"required,max=5000"`
}

// ChatQueryResponse 问答响应
type ChatQueryResponse struct {
	Answer   *entity.StructuredAnswer `json:"answer"`
	Markdown string                   `json:"markdown"`
	Intent   string                   `json:"intent"`
}
