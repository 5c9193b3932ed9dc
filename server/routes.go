package server

import (
	"time"

	custommiddleware "LiveDesk/middleware"

	"github.com/labstack/echo/v4"
)

func (s *Server) SetupRoutes(authMiddleware echo.MiddlewareFunc, agentMiddleware echo.MiddlewareFunc) {
	e := s.Echo

	e.GET("/healthz", s.AdminHandler.Healthz)

	api := e.Group("/api/v1")

	// Auth routes (unprotected)
	auth := api.Group("/auth")
	{
		loginLimit := custommiddleware.NewRateLimitMiddleware(s.Limiter, custommiddleware.RateLimitConfig{
			Limit:  10,
			Window: time.Minute,
		})
		auth.POST("/login", s.AdminHandler.Login, loginLimit)
	}

	// 访客 WebSocket 入口：认证在握手帧里完成，不走中间件
	e.GET("/ws", s.ChatWebSocketHandler.HandleWebSocket)

	// 需要认证
	protected := api.Group("")
	protected.Use(authMiddleware)
	{
		chats := protected.Group("/chats", agentMiddleware)
		{
			chats.POST("/:id/assign", s.AdminHandler.AssignChat)     // 手动指派
			chats.POST("/:id/transfer", s.AdminHandler.TransferChat) // 转接（进入待领取池）
			chats.POST("/:id/end", s.AdminHandler.EndChat)           // 结束会话
			chats.GET("/:id/messages", s.AdminHandler.GetMessages)   // 历史消息
		}

		agents := protected.Group("/agents", agentMiddleware)
		{
			agents.PUT("/status", s.AdminHandler.SetAgentStatus)  // 状态切换，触发重分配/回填
			agents.GET("/workloads", s.AdminHandler.AgentWorkloads) // 可用客服及负载
		}

		protected.POST("/triggers/evaluate", s.AdminHandler.EvaluateTriggers, custommiddleware.AdminMiddleware())
		protected.GET("/presence/:role", s.AdminHandler.OnlineList, agentMiddleware)
		protected.GET("/visitors/live", s.AdminHandler.LiveVisitors, agentMiddleware)
	}
}
