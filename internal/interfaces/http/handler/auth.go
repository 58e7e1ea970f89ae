// Package handler 提供 HTTP 请求处理器
package handler

import (
	"time"

	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/domain/repository"
	"kb-assistant-api/internal/interfaces/http/dto"
	"kb-assistant-api/internal/interfaces/http/middleware"
	"kb-assistant-api/pkg/logger"
	"kb-assistant-api/pkg/utils"

	"github.com/gin-gonic/gin"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
	refreshCookie   = "refresh_token"
	refreshPath     = "/v1/auth/refresh"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	jwtManager *utils.JWTManager
	userRepo   repository.UserRepository
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(cfg middleware.AuthConfig, userRepo repository.UserRepository) *AuthHandler {
	return &AuthHandler{
		jwtManager: utils.NewJWTManager(cfg.Secret, cfg.Issuer),
		userRepo:   userRepo,
	}
}

// setRefreshCookie RefreshToken 走 HttpOnly Cookie，只对刷新端点可见
func setRefreshCookie(c *gin.Context, token string, maxAge int) {
	c.SetCookie(refreshCookie, token, maxAge, refreshPath, "", false, true)
}

// issueTokens 为用户签发双 Token 并下发 RefreshToken Cookie
func (h *AuthHandler) issueTokens(c *gin.Context, user *entity.User) (*dto.AuthResponse, error) {
	tokens, err := h.jwtManager.GenerateTokenPair(user.ID, user.Email, accessTokenTTL, refreshTokenTTL)
	if err != nil {
		return nil, err
	}
	setRefreshCookie(c, tokens.RefreshToken, int(refreshTokenTTL.Seconds()))
	return &dto.AuthResponse{
		AccessToken: tokens.AccessToken,
		ExpiresIn:   int(accessTokenTTL.Seconds()),
		User:        dto.ToAuthUserDTO(user),
	}, nil
}

// Register 注册
// @Summary 用户注册
// @Tags Auth
// @Accept json
// @Produce json
// @Param body body dto.RegisterRequest true "注册信息"
// @Success 201 {object} dto.Response[dto.AuthResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	exists, err := h.userRepo.ExistsByEmail(ctx, req.Email)
	if err != nil {
		logger.Error(ctx, "failed to check email existence", err)
		dto.InternalError(c, "registration failed")
		return
	}
	if exists {
		dto.BadRequest(c, "email already registered")
		return
	}

	user := entity.NewUser(req.Email, req.Name)
	if err := user.SetPassword(req.Password); err != nil {
		logger.Error(ctx, "failed to hash password", err)
		dto.InternalError(c, "registration failed")
		return
	}
	if err := h.userRepo.Create(ctx, user); err != nil {
		logger.Error(ctx, "failed to create user", err)
		dto.InternalError(c, "registration failed")
		return
	}

	resp, err := h.issueTokens(c, user)
	if err != nil {
		dto.InternalError(c, "user created but failed to generate tokens")
		return
	}
	dto.Created(c, resp)
}

// Login 登录
// @Summary 用户登录
// @Tags Auth
// @Accept json
// @Produce json
// @Param body body dto.LoginRequest true "登录信息"
// @Success 200 {object} dto.Response[dto.AuthResponse]
// @Failure 401 {object} dto.ErrorResponse
// @Router /v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	user, err := h.userRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		logger.Error(ctx, "failed to get user", err)
		dto.InternalError(c, "login failed")
		return
	}
	// 不存在与密码错误返回同一错误，避免探测注册邮箱
	if user == nil || !user.CheckPassword(req.Password) {
		dto.Unauthorized(c, "invalid email or password")
		return
	}

	if err := h.userRepo.UpdateLastLogin(ctx, user.ID); err != nil {
		logger.Warn(ctx, "failed to update last login time", "error", err.Error(), "user_id", user.ID)
	}

	resp, err := h.issueTokens(c, user)
	if err != nil {
		dto.InternalError(c, "failed to generate tokens")
		return
	}
	dto.Success(c, resp)
}

// RefreshToken 用 Cookie 中的 RefreshToken 换新的 AccessToken
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	refreshToken, err := c.Cookie(refreshCookie)
	if err != nil {
		dto.Unauthorized(c, "missing refresh token")
		return
	}

	claims, err := h.jwtManager.ParseToken(refreshToken)
	if err != nil || claims.Type != "refresh" {
		dto.Unauthorized(c, "invalid refresh token")
		return
	}

	accessToken, err := h.jwtManager.GenerateToken(claims.UserID, claims.Email, "access", accessTokenTTL)
	if err != nil {
		dto.InternalError(c, "failed to generate access token")
		return
	}

	dto.Success(c, gin.H{
		"access_token": accessToken,
		"expires_in":   int(accessTokenTTL.Seconds()),
	})
}

// Logout 登出，清除 RefreshToken Cookie
func (h *AuthHandler) Logout(c *gin.Context) {
	setRefreshCookie(c, "", -1)
	dto.Success(c, gin.H{"message": "logged out"})
}
