package router

import (
	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(v1 *gin.RouterGroup, h *Handlers) {
	// 认证管理
	auth := v1.Group("/auth")
	{
		auth.POST("/register", h.Auth.Register)
		auth.POST("/login", h.Auth.Login)
		auth.POST("/refresh", h.Auth.RefreshToken)
		auth.POST("/logout", h.Auth.Logout)
	}

	// 用户信息
	users := v1.Group("/users")
	{
		users.GET("/me", h.User.GetMe)
	}

	// 数据源接入配置
	connection := v1.Group("/connection")
	{
		connection.GET("", h.Connection.Get)
		connection.PUT("", h.Connection.Update)
	}

	// 索引任务管理
	index := v1.Group("/index")
	{
		index.GET("/status", h.Indexing.Status)
		index.POST("/start", h.Indexing.Start)
		index.POST("/cancel", h.Indexing.Cancel)
		index.POST("/reset", h.Indexing.Reset)
	}

	// 知识库问答
	chat := v1.Group("/chat")
	{
		chat.POST("/query", h.Chat.Query)
	}
}
