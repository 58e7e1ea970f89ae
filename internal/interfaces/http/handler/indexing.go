package handler

import (
	"errors"

	"kb-assistant-api/internal/application/indexing"
	"kb-assistant-api/internal/interfaces/http/dto"
	apperrors "kb-assistant-api/pkg/errors"
	"kb-assistant-api/pkg/logger"

	"github.com/gin-gonic/gin"
)

// IndexingHandler 索引任务处理器
type IndexingHandler struct {
	manager *indexing.Manager
}

// NewIndexingHandler 创建索引任务处理器
func NewIndexingHandler(manager *indexing.Manager) *IndexingHandler {
	return &IndexingHandler{manager: manager}
}

// Status 查询索引状态
// @Summary 查询索引状态
// @Tags Indexing
// @Produce json
// @Success 200 {object} dto.Response[dto.IndexStatusDTO]
// @Router /v1/index/status [get]
func (h *IndexingHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString("user_id")

	status, err := h.manager.Status(ctx, userID)
	if err != nil {
		logger.Error(ctx, "failed to read index status", err, "user_id", userID)
		dto.InternalError(c, "failed to read index status")
		return
	}

	dto.Success(c, dto.ToIndexStatusDTO(status))
}

// Start 启动索引构建
// @Summary 启动索引构建
// @Description 为当前用户构建知识索引；已有任务在跑时返回 409
// @Tags Indexing
// @Accept json
// @Produce json
// @Param body body dto.StartIndexingRequest true "构建选项"
// @Success 202 {object} dto.Response[dto.StartIndexingResponse]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/index/start [post]
func (h *IndexingHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString("user_id")

	var req dto.StartIndexingRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.manager.Start(ctx, userID, indexing.StartOptions{
		Force:  req.Force,
		Inline: req.Inline,
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			dto.ErrorWithCode(c, appErr.HTTPStatus, string(appErr.Code), appErr.Message)
			return
		}
		logger.Error(ctx, "failed to start indexing", err, "user_id", userID)
		dto.InternalError(c, "failed to start indexing")
		return
	}

	resp := &dto.StartIndexingResponse{
		Success: result.Success,
		Message: result.Message,
		Status:  dto.ToIndexStatusDTO(result.Status),
	}
	if req.Inline {
		dto.Success(c, resp)
		return
	}
	dto.Accepted(c, resp)
}

// Cancel 取消在途构建任务
// @Summary 取消在途构建任务
// @Tags Indexing
// @Produce json
// @Router /v1/index/cancel [post]
func (h *IndexingHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString("user_id")

	if err := h.manager.Cancel(ctx, userID); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			dto.ErrorWithCode(c, appErr.HTTPStatus, string(appErr.Code), appErr.Message)
			return
		}
		logger.Error(ctx, "failed to cancel indexing", err, "user_id", userID)
		dto.InternalError(c, "failed to cancel indexing")
		return
	}

	dto.Success(c, gin.H{"message": "indexing cancelled"})
}

// Reset 重置索引
// @Summary 重置索引
// @Description 清空向量数据与内存工件，状态归零
// @Tags Indexing
// @Produce json
// @Router /v1/index/reset [post]
func (h *IndexingHandler) Reset(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString("user_id")

	if err := h.manager.Reset(ctx, userID); err != nil {
		logger.Error(ctx, "failed to reset index", err, "user_id", userID)
		dto.InternalError(c, "failed to reset index")
		return
	}

	dto.Success(c, gin.H{"message": "index reset"})
}
