package handler

import (
	"errors"

	"kb-assistant-api/internal/application/query"
	"kb-assistant-api/internal/interfaces/http/dto"
	apperrors "kb-assistant-api/pkg/errors"
	"kb-assistant-api/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ChatHandler 问答处理器
type ChatHandler struct {
	service *query.Service
}

// NewChatHandler 创建问答处理器
func NewChatHandler(service *query.Service) *ChatHandler {
	return &ChatHandler{service: service}
}

// Query 知识库问答
// @Summary 知识库问答
// @Description 基于用户知识索引回答问题，返回结构化答案与渲染后的 markdown
// @Tags Chat
// @Accept json
// @Produce json
// @Param body body dto.ChatQueryRequest true "问答请求"
// @Success 200 {object} dto.Response[dto.ChatQueryResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/chat/query [post]
func (h *ChatHandler) Query(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString("user_id")

	var req dto.ChatQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.service.Query(ctx, userID, req.Query)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			dto.ErrorWithCode(c, appErr.HTTPStatus, string(appErr.Code), appErr.Message)
			return
		}
		logger.Error(ctx, "query failed", err, "user_id", userID)
		dto.InternalError(c, "query failed")
		return
	}

	dto.Success(c, &dto.ChatQueryResponse{
		Answer:   result.Answer,
		Markdown: result.Markdown,
		Intent:   string(result.Intent),
	})
}
