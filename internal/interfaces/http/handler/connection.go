package handler

import (
	"context"
	"encoding/json"
	"time"

	"kb-assistant-api/internal/application/indexing"
	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/domain/repository"
	redisinfra "kb-assistant-api/internal/infrastructure/persistence/redis"
	"kb-assistant-api/internal/interfaces/http/dto"
	"kb-assistant-api/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ConnectionHandler 数据源接入配置处理器
type ConnectionHandler struct {
	conns   repository.ConnectionRepository
	manager *indexing.Manager
	cache   *redisinfra.Cache
	tx      repository.Transactor
}

// NewConnectionHandler 创建接入配置处理器
func NewConnectionHandler(conns repository.ConnectionRepository, manager *indexing.Manager, cache *redisinfra.Cache, tx repository.Transactor) *ConnectionHandler {
	return &ConnectionHandler{conns: conns, manager: manager, cache: cache, tx: tx}
}

// Get 查询接入配置
// @Summary 查询接入配置
// @Description 凭据只回显是否已配置
// @Tags Connection
// @Produce json
// @Success 200 {object} dto.Response[dto.ConnectionDTO]
// @Router /v1/connection [get]
func (h *ConnectionHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString("user_id")

	load := func() (interface{}, error) {
		conn, err := h.conns.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			conn = entity.NewUserConnection(userID)
		}
		return dto.ToConnectionDTO(conn), nil
	}

	if h.cache == nil {
		out, err := load()
		if err != nil {
			logger.Error(ctx, "failed to get connection", err, "user_id", userID)
			dto.InternalError(c, "failed to get connection")
			return
		}
		dto.Success(c, out)
		return
	}

	raw, err := h.cache.GetOrLoadSafe(ctx, redisinfra.ConnectionKey(userID), connectionCacheTTL, load)
	if err != nil {
		logger.Error(ctx, "failed to get connection", err, "user_id", userID)
		dto.InternalError(c, "failed to get connection")
		return
	}
	var out dto.ConnectionDTO
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Error(ctx, "failed to decode cached connection", err, "user_id", userID)
		dto.InternalError(c, "failed to get connection")
		return
	}
	dto.Success(c, out)
}

const connectionCacheTTL = 5 * time.Minute

// Update 更新接入配置
// @Summary 更新接入配置
// @Description 保存后索引状态归 PENDING，内存工件被驱逐，等待下一次构建
// @Tags Connection
// @Accept json
// @Produce json
// @Param body body dto.UpdateConnectionRequest true "接入配置"
// @Success 200 {object} dto.Response[dto.ConnectionDTO]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/connection [put]
func (h *ConnectionHandler) Update(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString("user_id")

	var req dto.UpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	conn, err := h.conns.Get(ctx, userID)
	if err != nil {
		logger.Error(ctx, "failed to get connection", err, "user_id", userID)
		dto.InternalError(c, "failed to update connection")
		return
	}
	if conn == nil {
		conn = entity.NewUserConnection(userID)
	}

	// 留空字段保持现值，避免客户端必须回传密钥
	if req.OpenAIAPIKey != nil {
		conn.OpenAIAPIKey = *req.OpenAIAPIKey
	}
	if req.GoogleToken != nil {
		conn.GoogleToken = *req.GoogleToken
	}
	if req.DriveFolderID != nil {
		conn.DriveFolderID = *req.DriveFolderID
	}
	if req.DriveFileIDs != nil {
		conn.DriveFileIDs = req.DriveFileIDs
	}
	conn.Touch()

	// 配置保存与索引状态归零要么都成功要么都不生效
	err = h.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.conns.Upsert(txCtx, conn); err != nil {
			return err
		}
		// 配置变更使旧索引失效：状态归 PENDING、驱逐工件
		return h.manager.OnConnectionChanged(txCtx, userID)
	})
	if err != nil {
		logger.Error(ctx, "failed to save connection", err, "user_id", userID)
		dto.InternalError(c, "failed to update connection")
		return
	}

	if h.cache != nil {
		if err := h.cache.InvalidateUser(ctx, userID); err != nil {
			logger.Warn(ctx, "failed to invalidate user cache", "user_id", userID, "error", err.Error())
		}
	}

	dto.Success(c, dto.ToConnectionDTO(conn))
}
