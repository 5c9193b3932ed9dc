package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"LiveDesk/models"
	"LiveDesk/services"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// AdminHandler 管理动作入口：由 CRUD 层调用，路由引擎执行
type AdminHandler struct {
	db         *gorm.DB
	auth       *services.AuthService
	assignment *services.AssignmentService
	triggers   *services.TriggerService
	visitors   *services.VisitorService
	workload   *services.WorkloadService
	presence   services.Presence
	ping       func(c echo.Context) error // 健康检查探针（redis/db）
}

func NewAdminHandler(db *gorm.DB, auth *services.AuthService, assignment *services.AssignmentService,
	triggers *services.TriggerService, visitors *services.VisitorService,
	workload *services.WorkloadService, presence services.Presence, ping func(c echo.Context) error) *AdminHandler {
	return &AdminHandler{
		db:         db,
		auth:       auth,
		assignment: assignment,
		triggers:   triggers,
		visitors:   visitors,
		workload:   workload,
		presence:   presence,
		ping:       ping,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login 客服登录，签发 WebSocket 握手用的令牌
func (h *AdminHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	user, err := h.auth.LoginLocal(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInactiveAccount) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}
	tokens, err := h.auth.GenerateTokens(user)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to issue tokens"})
	}
	return c.JSON(http.StatusOK, tokens)
}

// sessionByPublicID 按公开ID解析会话，带租户隔离
func (h *AdminHandler) sessionByPublicID(c echo.Context, publicID string) (*models.ChatSession, error) {
	user := c.Get("user").(*models.User)
	var session models.ChatSession
	query := h.db.Where("public_id = ?", publicID)
	if user.Role != models.RoleSuperAdmin {
		query = query.Where("tenant_id = ?", user.TenantID)
	}
	if err := query.First(&session).Error; err != nil {
		return nil, services.ErrSessionNotFound
	}
	return &session, nil
}

type assignRequest struct {
	AgentID uint `json:"agent_id"`
}

// AssignChat 手动指派会话给客服
func (h *AdminHandler) AssignChat(c echo.Context) error {
	session, err := h.sessionByPublicID(c, c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	updated, err := h.assignment.AssignToAgent(c.Request().Context(), session.ID, req.AgentID)
	if err != nil {
		return assignmentError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

type transferRequest struct {
	ToAgentID uint `json:"to_agent_id"`
}

// TransferChat 当前负责人转出会话
func (h *AdminHandler) TransferChat(c echo.Context) error {
	user := c.Get("user").(*models.User)
	session, err := h.sessionByPublicID(c, c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	var req transferRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if err := h.assignment.Transfer(c.Request().Context(), session.ID, user.ID, req.ToAgentID); err != nil {
		return assignmentError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "transferred"})
}

// EndChat 结束会话
func (h *AdminHandler) EndChat(c echo.Context) error {
	session, err := h.sessionByPublicID(c, c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	if err := h.assignment.EndChat(c.Request().Context(), session.ID); err != nil {
		return assignmentError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "closed"})
}

type statusRequest struct {
	AgentID uint   `json:"agent_id,omitempty"` // 管理员可指定，客服只能改自己
	Status  string `json:"status"`
}

// SetAgentStatus 显式切换客服状态，驱动重分配/回填
func (h *AdminHandler) SetAgentStatus(c echo.Context) error {
	user := c.Get("user").(*models.User)
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	switch req.Status {
	case models.AgentStatusOnline, models.AgentStatusAway, models.AgentStatusInvisible, models.AgentStatusOffline:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
	}

	agentID := user.ID
	if req.AgentID != 0 && req.AgentID != user.ID {
		if user.Role != models.RoleAdmin && user.Role != models.RoleSuperAdmin {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "cannot change other agents"})
		}
		agentID = req.AgentID
	}

	if err := h.assignment.OnAgentStatusChange(c.Request().Context(), agentID, req.Status); err != nil {
		return assignmentError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": req.Status})
}

type evaluateRequest struct {
	SessionID   string `json:"session_id"`
	TriggerType string `json:"trigger_type"`
	Message     string `json:"message,omitempty"`
	OldStatus   string `json:"old_status,omitempty"`
	NewStatus   string `json:"new_status,omitempty"`
}

// EvaluateTriggers 对指定会话手动评估触发器
func (h *AdminHandler) EvaluateTriggers(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.TriggerType != models.TriggerTypeMessage && req.TriggerType != models.TriggerTypeChatStatus {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid trigger_type"})
	}
	session, err := h.sessionByPublicID(c, req.SessionID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	var visitor models.Visitor
	_ = h.db.First(&visitor, session.VisitorID).Error

	fired, err := h.triggers.Evaluate(c.Request().Context(), req.TriggerType, &services.TriggerContext{
		Session:   session,
		Visitor:   &visitor,
		Message:   req.Message,
		OldStatus: req.OldStatus,
		NewStatus: req.NewStatus,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "trigger evaluation failed"})
	}

	names := make([]string, 0, len(fired))
	for _, t := range fired {
		names = append(names, t.Name)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"fired": len(fired),
		"names": names,
	})
}

// OnlineList 在线列表（role: agent / visitor）
func (h *AdminHandler) OnlineList(c echo.Context) error {
	user := c.Get("user").(*models.User)
	role := c.Param("role")
	if role != models.RoleAgent && role != models.RoleVisitor {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid role"})
	}

	ids, err := h.presence.ListOnline(c.Request().Context(), user.TenantID, role)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list online"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"role":  role,
		"count": len(ids),
		"ids":   ids,
	})
}

// LiveVisitors 当前可见访客（带推导状态）
func (h *AdminHandler) LiveVisitors(c echo.Context) error {
	user := c.Get("user").(*models.User)
	views, err := h.visitors.ListLive(c.Request().Context(), user.TenantID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list visitors"})
	}
	return c.JSON(http.StatusOK, views)
}

// AgentWorkloads 可用客服及其负载
func (h *AdminHandler) AgentWorkloads(c echo.Context) error {
	user := c.Get("user").(*models.User)
	var brandID uint
	if raw := c.QueryParam("brand_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid brand_id"})
		}
		brandID = uint(parsed)
	}
	loads, err := h.workload.AvailableAgents(c.Request().Context(), user.TenantID, brandID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to compute workloads"})
	}
	return c.JSON(http.StatusOK, loads)
}

// GetMessages 获取会话历史消息
func (h *AdminHandler) GetMessages(c echo.Context) error {
	session, err := h.sessionByPublicID(c, c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	limit := 50
	offset := 0
	if raw := c.QueryParam("offset"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 32); err == nil {
			offset = int(parsed)
		}
	}

	var messages []models.Message
	err = h.db.Where("session_id = ?", session.ID).
		Order("created_at ASC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch messages",
		})
	}

	return c.JSON(http.StatusOK, messages)
}

// Healthz 存活检查
func (h *AdminHandler) Healthz(c echo.Context) error {
	if h.ping != nil {
		if err := h.ping(c); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// assignmentError 把路由服务错误映射为类型化的失败原因
func assignmentError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session-not-found"})
	case errors.Is(err, services.ErrSessionClosed):
		return c.JSON(http.StatusConflict, map[string]string{"error": "session-closed"})
	case errors.Is(err, services.ErrNotSessionOwner):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "not-session-owner"})
	case errors.Is(err, services.ErrAgentNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent-not-found"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "persistence-error"})
	}
}
