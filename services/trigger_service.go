package services

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"LiveDesk/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrUnknownAction = errors.New("unknown trigger action")

// AIResponder AI 回复生成器，外部协作方
type AIResponder interface {
	Generate(ctx context.Context, message string, sessionCtx map[string]string) (string, error)
}

// Notifier 外发通知（邮件等），发后不理
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string)
}

// TriggerContext 触发器求值上下文
type TriggerContext struct {
	Session   *models.ChatSession
	Visitor   *models.Visitor
	Message   string
	OldStatus string
	NewStatus string
	Now       time.Time
}

type TriggerService struct {
	db         *gorm.DB
	assignment *AssignmentService
	ai         AIResponder
	notifier   Notifier
	bus        FanoutPublisher
}

func NewTriggerService(db *gorm.DB, assignment *AssignmentService, ai AIResponder,
	notifier Notifier, bus FanoutPublisher) *TriggerService {
	return &TriggerService{
		db:         db,
		assignment: assignment,
		ai:         ai,
		notifier:   notifier,
		bus:        bus,
	}
}

// Evaluate 按优先级升序评估租户触发器，返回命中的触发器。
// 动作顺序执行，单个动作失败只记录，不中断后续动作
func (s *TriggerService) Evaluate(ctx context.Context, triggerType string, tctx *TriggerContext) ([]models.Trigger, error) {
	if tctx.Now.IsZero() {
		tctx.Now = time.Now()
	}

	var triggers []models.Trigger
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND trigger_type = ? AND active = ?", tctx.Session.TenantID, triggerType, true).
		Order("priority ASC").
		Find(&triggers).Error
	if err != nil {
		return nil, err
	}

	fired := make([]models.Trigger, 0)
	for _, trigger := range triggers {
		if !s.matchAll(trigger.Conditions, tctx) {
			continue
		}
		fired = append(fired, trigger)
		for _, action := range trigger.Actions {
			if err := s.runAction(ctx, &action, tctx); err != nil {
				log.Printf("trigger %d action %s failed: %v", trigger.ID, action.Type, err)
			}
		}
	}
	return fired, nil
}

func (s *TriggerService) matchAll(conditions []models.TriggerCondition, tctx *TriggerContext) bool {
	for _, cond := range conditions {
		if !matchCondition(&cond, tctx) {
			return false
		}
	}
	return true
}

func matchCondition(cond *models.TriggerCondition, tctx *TriggerContext) bool {
	if cond.Operator == models.OperatorBusinessHours {
		// value "false" 表示要求非营业时间
		want := cond.Value != "false"
		return withinBusinessHours(tctx.Now) == want
	}

	actual, ok := fieldValue(cond.Field, tctx)
	if !ok {
		return false
	}

	switch cond.Operator {
	case models.OperatorEquals:
		return strings.EqualFold(actual, cond.Value)
	case models.OperatorNotEquals:
		return !strings.EqualFold(actual, cond.Value)
	case models.OperatorContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(cond.Value))
	case models.OperatorStartsWith:
		return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(cond.Value))
	case models.OperatorGreaterThan:
		a, errA := strconv.ParseFloat(actual, 64)
		b, errB := strconv.ParseFloat(cond.Value, 64)
		return errA == nil && errB == nil && a > b
	case models.OperatorLessThan:
		a, errA := strconv.ParseFloat(actual, 64)
		b, errB := strconv.ParseFloat(cond.Value, 64)
		return errA == nil && errB == nil && a < b
	}
	return false
}

func fieldValue(field string, tctx *TriggerContext) (string, bool) {
	switch field {
	case "message":
		return tctx.Message, true
	case "status":
		return tctx.Session.Status, true
	case "old_status":
		return tctx.OldStatus, true
	case "new_status":
		return tctx.NewStatus, true
	case "priority":
		return strconv.Itoa(tctx.Session.Priority), true
	case "escalation_level":
		return strconv.Itoa(tctx.Session.EscalationLevel), true
	case "brand_id":
		return strconv.FormatUint(uint64(tctx.Session.BrandID), 10), true
	case "visitor_name":
		if tctx.Visitor == nil {
			return "", false
		}
		return tctx.Visitor.Name, true
	}
	return "", false
}

// 固定营业时间判定：周一到周五 9:00-18:00
func withinBusinessHours(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return now.Hour() >= 9 && now.Hour() < 18
}

func (s *TriggerService) runAction(ctx context.Context, action *models.TriggerAction, tctx *TriggerContext) error {
	session := tctx.Session
	switch action.Type {
	case models.ActionAssignToAgent:
		agentID, err := paramUint(action.Params, "agent_id")
		if err != nil {
			return err
		}
		_, err = s.assignment.AssignToAgent(ctx, session.ID, agentID)
		return err

	case models.ActionAssignToDepartment:
		// 部门即品牌子域：改挂品牌后重跑自动分配
		brandID, err := paramUint(action.Params, "brand_id")
		if err != nil {
			return err
		}
		if err := s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ?", session.ID).Update("brand_id", brandID).Error; err != nil {
			return err
		}
		session.BrandID = brandID
		_, _, err = s.assignment.AutoAssign(ctx, session.ID)
		return err

	case models.ActionSendAIResponse:
		if s.ai == nil {
			return errors.New("ai responder not configured")
		}
		reply, err := s.ai.Generate(ctx, tctx.Message, map[string]string{
			"session_id": session.PublicID,
			"status":     session.Status,
		})
		if err != nil {
			return err
		}
		return s.postMessage(ctx, session, models.SenderAI, reply)

	case models.ActionSendNotification:
		if s.notifier == nil {
			return errors.New("notifier not configured")
		}
		s.notifier.Send(ctx, action.Params["recipient"], action.Params["subject"], tctx.Message)
		return nil

	case models.ActionAddTag:
		tag := action.Params["tag"]
		if tag == "" {
			return errors.New("missing tag param")
		}
		for _, existing := range session.Tags {
			if existing == tag {
				return nil
			}
		}
		session.Tags = append(session.Tags, tag)
		return s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ?", session.ID).Update("tags", session.Tags).Error

	case models.ActionSetPriority:
		priority, err := strconv.Atoi(action.Params["priority"])
		if err != nil {
			return err
		}
		session.Priority = priority
		return s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ?", session.ID).Update("priority", priority).Error

	case models.ActionAutoReply:
		reply := action.Params["message"]
		if reply == "" {
			return errors.New("missing message param")
		}
		return s.postMessage(ctx, session, models.SenderSystem, reply)

	case models.ActionEscalate:
		session.EscalationLevel++
		session.Priority++
		return s.db.WithContext(ctx).Model(&models.ChatSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"escalation_level": session.EscalationLevel,
				"priority":         session.Priority,
			}).Error

	case models.ActionCloseChat:
		return s.assignment.EndChat(ctx, session.ID)
	}
	return ErrUnknownAction
}

// postMessage 落库并广播自动回复
func (s *TriggerService) postMessage(ctx context.Context, session *models.ChatSession, senderType, content string) error {
	msg := models.Message{
		PublicID:   uuid.New().String(),
		SessionID:  session.ID,
		SenderType: senderType,
		Content:    content,
		Kind:       "text",
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return err
	}
	s.bus.Publish(ctx, SessionRoom(session.PublicID), "message", map[string]interface{}{
		"id":          msg.PublicID,
		"session_id":  session.PublicID,
		"sender_type": senderType,
		"content":     content,
		"created_at":  msg.CreatedAt,
	})
	s.bus.Publish(ctx, TenantRoom(session.TenantID), "message", map[string]interface{}{
		"id":          msg.PublicID,
		"session_id":  session.PublicID,
		"sender_type": senderType,
		"content":     content,
		"created_at":  msg.CreatedAt,
	})
	return nil
}

func paramUint(params map[string]string, key string) (uint, error) {
	raw, ok := params[key]
	if !ok {
		return 0, errors.New("missing " + key + " param")
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
