package services

import (
	"context"
	"errors"
	"log"
	"time"

	"LiveDesk/kafka"
	"LiveDesk/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrNotSessionOwner = errors.New("not session owner")
	ErrAgentNotFound   = errors.New("agent not found")
)

// 可被认领的池状态
var pooledStatuses = []string{models.ChatStatusWaiting, models.ChatStatusWaitingForAgent}

// AuditPublisher 路由变更审计流，由 kafka.Producer 实现
type AuditPublisher interface {
	SendMessage(topic string, key string, value interface{}) error
}

// 瞬时持久化错误的有界重试次数
const persistRetries = 3

type AssignmentService struct {
	db         *gorm.DB
	workload   *WorkloadService
	presence   Presence
	bus        FanoutPublisher
	audit      AuditPublisher // 可为 nil，此时只写日志不发审计流
	auditTopic string
	instanceID string
}

func NewAssignmentService(db *gorm.DB, workload *WorkloadService, presence Presence,
	bus FanoutPublisher, audit AuditPublisher, auditTopic, instanceID string) *AssignmentService {
	return &AssignmentService{
		db:         db,
		workload:   workload,
		presence:   presence,
		bus:        bus,
		audit:      audit,
		auditTopic: auditTopic,
		instanceID: instanceID,
	}
}

// StartSession 访客发起会话。已有未关闭会话则复用，否则新建并尝试自动分配
func (s *AssignmentService) StartSession(ctx context.Context, visitor *models.Visitor) (*models.ChatSession, error) {
	var session models.ChatSession
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND visitor_id = ? AND status <> ?", visitor.TenantID, visitor.ID, models.ChatStatusClosed).
		First(&session).Error
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	session = models.ChatSession{
		PublicID:  uuid.New().String(),
		TenantID:  visitor.TenantID,
		BrandID:   visitor.BrandID,
		VisitorID: visitor.ID,
		Status:    models.ChatStatusWaiting,
	}
	if err := s.withRetry(func() error {
		return s.db.WithContext(ctx).Create(&session).Error
	}); err != nil {
		return nil, err
	}

	// 新接触解除 EndChat 留下的离线粘性，访客重新进入实时列表
	if err := s.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("id = ? AND sticky_status = ?", visitor.ID, models.VisitorStatusOffline).
		Update("sticky_status", "").Error; err != nil {
		s.notifyError("visitor sticky reset", err)
	}

	s.notify(ctx, &session, "chat_started", map[string]interface{}{
		"session_id": session.PublicID,
		"visitor_id": visitor.PublicID,
		"brand_id":   session.BrandID,
	})
	s.emitAudit("chat_started", &session, 0, 0, nil)

	updated, _, err := s.AutoAssign(ctx, session.ID)
	if err != nil {
		// 分配失败不影响会话创建，会话留在池中
		return &session, nil
	}
	return updated, nil
}

// AutoAssign 把池中会话分给负载最低的在线客服。
// 并发调用同一会话时恰有一次提交；无可用客服时留在池中，不算错误
func (s *AssignmentService) AutoAssign(ctx context.Context, sessionID uint) (*models.ChatSession, bool, error) {
	var session models.ChatSession
	if err := s.db.WithContext(ctx).First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrSessionNotFound
		}
		return nil, false, err
	}
	if !session.Pooled() {
		// 已被分配或已关闭，幂等返回
		return &session, false, nil
	}

	candidates, err := s.workload.AvailableAgents(ctx, session.TenantID, session.BrandID)
	if err != nil {
		return &session, false, err
	}
	if len(candidates) == 0 {
		return &session, false, nil
	}

	agent := candidates[0].Agent
	committed, err := s.commitAssignment(ctx, &session, agent.ID, models.ChatStatusActive)
	if err != nil {
		return &session, false, err
	}
	if !committed {
		// 输给了并发的另一次分配
		_ = s.db.WithContext(ctx).First(&session, sessionID).Error
		return &session, false, nil
	}

	s.afterAssign(ctx, &session, 0, agent.ID, "auto_assign")
	return &session, true, nil
}

// AssignToAgent 手动指派，总是覆盖池状态
func (s *AssignmentService) AssignToAgent(ctx context.Context, sessionID, agentID uint) (*models.ChatSession, error) {
	var session models.ChatSession
	if err := s.db.WithContext(ctx).First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session.Status == models.ChatStatusClosed {
		return nil, ErrSessionClosed
	}
	var agent models.User
	if err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND role = ?", agentID, session.TenantID, models.RoleAgent).
		First(&agent).Error; err != nil {
		return nil, ErrAgentNotFound
	}

	var prevAgent uint
	if session.AssignedAgentID != nil {
		prevAgent = *session.AssignedAgentID
	}

	now := time.Now()
	updates := map[string]interface{}{
		"assigned_agent_id":  agentID,
		"status":             models.ChatStatusActive,
		"transfer_target_id": nil,
		"updated_at":         now,
	}
	if session.StartedAt == nil {
		updates["started_at"] = now
	}
	if err := s.withRetry(func() error {
		return s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ?", session.ID).Updates(updates).Error
	}); err != nil {
		return nil, err
	}
	session.AssignedAgentID = &agentID
	session.Status = models.ChatStatusActive

	s.afterAssign(ctx, &session, prevAgent, agentID, "manual_assign")
	return &session, nil
}

// Transfer 当前负责人把会话转出。会话回到 waiting_for_agent 池，
// 目标客服只是建议，任何客服都可以通过第一条回复认领
func (s *AssignmentService) Transfer(ctx context.Context, sessionID, fromAgentID, toAgentID uint) error {
	var session models.ChatSession
	if err := s.db.WithContext(ctx).First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if session.Status == models.ChatStatusClosed {
		return ErrSessionClosed
	}
	if session.AssignedAgentID == nil || *session.AssignedAgentID != fromAgentID {
		return ErrNotSessionOwner
	}

	var res *gorm.DB
	if err := s.withRetry(func() error {
		res = s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ? AND assigned_agent_id = ?", session.ID, fromAgentID).
			Updates(map[string]interface{}{
				"assigned_agent_id":  nil,
				"status":             models.ChatStatusWaitingForAgent,
				"previously_active":  true,
				"transfer_target_id": toAgentID,
				"updated_at":         time.Now(),
			})
		return res.Error
	}); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return ErrNotSessionOwner
	}

	// 转接系统消息
	msg := models.Message{
		PublicID:   uuid.New().String(),
		SessionID:  session.ID,
		SenderType: models.SenderSystem,
		Content:    "chat transferred to another agent",
		Kind:       "system",
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		// 系统消息失败不回滚转接
		s.notifyError("transfer system message", err)
	}

	s.notify(ctx, &session, "chat_transferred", map[string]interface{}{
		"session_id": session.PublicID,
		"from_agent": fromAgentID,
		"to_agent":   toAgentID,
	})
	s.bus.Publish(ctx, UserRoom(session.TenantID, toAgentID), "chat_transferred", map[string]interface{}{
		"session_id": session.PublicID,
		"from_agent": fromAgentID,
	})
	s.emitAudit("chat_transferred", &session, fromAgentID, toAgentID, nil)
	return nil
}

// Claim 客服对池中会话的首个动作即认领，独占：并发认领恰有一人成功。
// 命中转接建议目标时状态记为 transferred，否则 active
func (s *AssignmentService) Claim(ctx context.Context, sessionID, agentID uint) (bool, error) {
	var session models.ChatSession
	if err := s.db.WithContext(ctx).First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrSessionNotFound
		}
		return false, err
	}
	if session.Status == models.ChatStatusClosed {
		return false, ErrSessionClosed
	}
	if !session.Pooled() {
		// 已有负责人：自己则为无操作，他人则认领失败
		if session.AssignedAgentID != nil && *session.AssignedAgentID == agentID {
			return false, nil
		}
		return false, ErrNotSessionOwner
	}

	status := models.ChatStatusActive
	if session.TransferTargetID != nil && *session.TransferTargetID == agentID {
		status = models.ChatStatusTransferred
	}
	committed, err := s.commitAssignment(ctx, &session, agentID, status)
	if err != nil {
		return false, err
	}
	if committed {
		s.afterAssign(ctx, &session, 0, agentID, "claim")
	}
	return committed, nil
}

// OnAgentStatusChange 客服状态变化驱动的批量重分配。
// 离开/隐身：其全部活跃会话重跑自动分配，无人可接的回到 waiting 池；
// 上线：按剩余容量从池中最旧的会话开始回填
func (s *AssignmentService) OnAgentStatusChange(ctx context.Context, agentID uint, newStatus string) error {
	var agent models.User
	if err := s.db.WithContext(ctx).First(&agent, agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAgentNotFound
		}
		return err
	}
	if err := s.db.WithContext(ctx).Model(&agent).Update("status", newStatus).Error; err != nil {
		return err
	}

	switch newStatus {
	case models.AgentStatusAway, models.AgentStatusInvisible, models.AgentStatusOffline:
		s.presence.Clear(ctx, agent.TenantID, models.RoleAgent, agent.ID)
		if err := s.reassignAll(ctx, &agent); err != nil {
			return err
		}
	case models.AgentStatusOnline:
		_ = s.presence.Heartbeat(ctx, agent.TenantID, models.RoleAgent, agent.ID)
		if err := s.backfill(ctx, &agent); err != nil {
			return err
		}
	}

	s.bus.Publish(ctx, TenantRoom(agent.TenantID), "agent_status", map[string]interface{}{
		"agent_id": agent.ID,
		"status":   newStatus,
	})
	s.emitAudit("agent_status_changed", &models.ChatSession{TenantID: agent.TenantID}, agent.ID, 0,
		map[string]string{"status": newStatus})
	return nil
}

// EndChat 终态关闭，访客置粘性 offline
func (s *AssignmentService) EndChat(ctx context.Context, sessionID uint) error {
	var session models.ChatSession
	if err := s.db.WithContext(ctx).First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if session.Status == models.ChatStatusClosed {
		return nil
	}

	now := time.Now()
	if err := s.withRetry(func() error {
		return s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"status":     models.ChatStatusClosed,
				"ended_at":   now,
				"updated_at": now,
			}).Error
	}); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("id = ?", session.VisitorID).
		Updates(map[string]interface{}{
			"sticky_status": models.VisitorStatusOffline,
			"is_typing":     false,
		}).Error; err != nil {
		s.notifyError("visitor offline on end", err)
	}

	var fromAgent uint
	if session.AssignedAgentID != nil {
		fromAgent = *session.AssignedAgentID
	}
	s.notify(ctx, &session, "chat_ended", map[string]interface{}{
		"session_id": session.PublicID,
	})
	s.emitAudit("chat_ended", &session, fromAgent, 0, nil)
	return nil
}

// ReturnToPool 交还公共池（如 AI 接管后转人工），状态 waiting_for_agent
func (s *AssignmentService) ReturnToPool(ctx context.Context, sessionID uint) error {
	var session models.ChatSession
	if err := s.db.WithContext(ctx).First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if session.Status == models.ChatStatusClosed {
		return ErrSessionClosed
	}
	if err := s.withRetry(func() error {
		return s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"assigned_agent_id": nil,
				"status":            models.ChatStatusWaitingForAgent,
				"previously_active": true,
				"updated_at":        time.Now(),
			}).Error
	}); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("id = ?", session.VisitorID).
		Update("sticky_status", models.VisitorStatusWaitingForAgent).Error; err != nil {
		s.notifyError("visitor waiting_for_agent", err)
	}
	s.notify(ctx, &session, "chat_unassigned", map[string]interface{}{
		"session_id": session.PublicID,
	})
	s.emitAudit("chat_returned_to_pool", &session, 0, 0, nil)
	return nil
}

// commitAssignment 唯一的分配提交原语：条件更新，只有未分配的池会话能被命中。
// 返回 false 表示输给并发提交或会话已不可分配
func (s *AssignmentService) commitAssignment(ctx context.Context, session *models.ChatSession, agentID uint, status string) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"assigned_agent_id":  agentID,
		"status":             status,
		"transfer_target_id": nil,
		"updated_at":         now,
	}
	if session.StartedAt == nil {
		updates["started_at"] = now
	}

	var res *gorm.DB
	if err := s.withRetry(func() error {
		res = s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ? AND assigned_agent_id IS NULL AND status IN ?", session.ID, pooledStatuses).
			Updates(updates)
		return res.Error
	}); err != nil {
		return false, err
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	session.AssignedAgentID = &agentID
	session.Status = status
	session.TransferTargetID = nil
	if session.StartedAt == nil {
		session.StartedAt = &now
	}
	return true, nil
}

// reassignAll 客服离开时释放并重分配其全部活跃会话
func (s *AssignmentService) reassignAll(ctx context.Context, agent *models.User) error {
	var sessions []models.ChatSession
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND assigned_agent_id = ? AND status IN ?", agent.TenantID, agent.ID, activeStatuses).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return err
	}

	for i := range sessions {
		session := &sessions[i]
		// 先放回池，再重跑自动分配；无人可接时就留在 waiting
		release := s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ? AND assigned_agent_id = ?", session.ID, agent.ID).
			Updates(map[string]interface{}{
				"assigned_agent_id": nil,
				"status":            models.ChatStatusWaiting,
				"previously_active": true,
				"updated_at":        time.Now(),
			})
		if release.Error != nil || release.RowsAffected == 0 {
			continue
		}
		s.notify(ctx, session, "chat_unassigned", map[string]interface{}{
			"session_id": session.PublicID,
			"from_agent": agent.ID,
		})
		s.emitAudit("chat_unassigned", session, agent.ID, 0, map[string]string{"reason": "agent_" + agent.Status})
		if _, _, err := s.AutoAssign(ctx, session.ID); err != nil {
			s.notifyError("reassign", err)
		}
	}
	return nil
}

// backfill 客服上线后按剩余容量领取池中最旧的会话
func (s *AssignmentService) backfill(ctx context.Context, agent *models.User) error {
	load, err := s.workload.ActiveCount(ctx, agent.ID, agent.TenantID)
	if err != nil {
		return err
	}
	capacity := s.workload.Capacity(agent) - load
	if capacity <= 0 {
		return nil
	}

	var pooled []models.ChatSession
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ? AND assigned_agent_id IS NULL", agent.TenantID, pooledStatuses).
		Order("created_at ASC").
		Find(&pooled).Error
	if err != nil {
		return err
	}

	for i := range pooled {
		if capacity <= 0 {
			break
		}
		session := &pooled[i]
		if session.BrandID != 0 && !servesBrand(agent, session.BrandID) {
			continue
		}
		committed, err := s.commitAssignment(ctx, session, agent.ID, models.ChatStatusActive)
		if err != nil {
			s.notifyError("backfill", err)
			continue
		}
		if committed {
			capacity--
			s.afterAssign(ctx, session, 0, agent.ID, "backfill")
		}
	}
	return nil
}

// afterAssign 提交成功后的通知与审计，不参与决策
func (s *AssignmentService) afterAssign(ctx context.Context, session *models.ChatSession, fromAgent, toAgent uint, reason string) {
	if err := s.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("id = ?", session.VisitorID).
		Updates(map[string]interface{}{
			"assigned_agent_id": toAgent,
			"sticky_status":     "",
		}).Error; err != nil {
		s.notifyError("visitor agent ref", err)
	}

	payload := map[string]interface{}{
		"session_id": session.PublicID,
		"agent_id":   toAgent,
		"reason":     reason,
	}
	s.notify(ctx, session, "chat_assigned", payload)
	s.bus.Publish(ctx, UserRoom(session.TenantID, toAgent), "chat_assigned", payload)
	s.emitAudit("chat_assigned", session, fromAgent, toAgent, map[string]string{"reason": reason})
}

// notify 发布到会话房间与租户房间
func (s *AssignmentService) notify(ctx context.Context, session *models.ChatSession, eventType string, payload map[string]interface{}) {
	s.bus.Publish(ctx, SessionRoom(session.PublicID), eventType, payload)
	s.bus.Publish(ctx, TenantRoom(session.TenantID), eventType, payload)
}

func (s *AssignmentService) emitAudit(eventType string, session *models.ChatSession, fromAgent, toAgent uint, detail map[string]string) {
	if s.audit == nil {
		return
	}
	msg := kafka.AuditMessage{
		EventType:  eventType,
		TenantID:   session.TenantID,
		SessionID:  session.ID,
		FromAgent:  fromAgent,
		ToAgent:    toAgent,
		InstanceID: s.instanceID,
		Detail:     detail,
		Timestamp:  time.Now().Unix(),
	}
	if err := s.audit.SendMessage(s.auditTopic, session.PublicID, msg); err != nil {
		s.notifyError("audit publish", err)
	}
}

func (s *AssignmentService) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < persistRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

func (s *AssignmentService) notifyError(op string, err error) {
	// 尽力而为路径上的失败只记录，不中断
	log.Printf("assignment %s failed: %v", op, err)
}
