package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LiveDesk/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrVisitorNotFound = errors.New("visitor not found")

type VisitorService struct {
	db  *gorm.DB
	bus FanoutPublisher
}

func NewVisitorService(db *gorm.DB, bus FanoutPublisher) *VisitorService {
	return &VisitorService{db: db, bus: bus}
}

// FindOrCreate 按公开ID查找访客，不存在则创建
func (s *VisitorService) FindOrCreate(ctx context.Context, tenantID, brandID uint, publicID, name string) (*models.Visitor, error) {
	var visitor models.Visitor
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND public_id = ?", tenantID, publicID).First(&visitor).Error
	if err == nil {
		return &visitor, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if publicID == "" {
		publicID = uuid.New().String()
	}
	visitor = models.Visitor{
		PublicID:       publicID,
		TenantID:       tenantID,
		BrandID:        brandID,
		Name:           name,
		LastActivityAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&visitor).Error; err != nil {
		return nil, err
	}
	return &visitor, nil
}

// TouchActivity 刷新最后活跃时间。粘性状态不在这里清除
func (s *VisitorService) TouchActivity(ctx context.Context, visitorID uint) error {
	return s.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("id = ?", visitorID).
		Update("last_activity_at", time.Now()).Error
}

// SetTyping 更新输入状态并广播
func (s *VisitorService) SetTyping(ctx context.Context, visitor *models.Visitor, typing bool) error {
	if err := s.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("id = ?", visitor.ID).
		Update("is_typing", typing).Error; err != nil {
		return err
	}
	s.bus.Publish(ctx, TenantRoom(visitor.TenantID), "typing", map[string]interface{}{
		"visitor_id": visitor.PublicID,
		"is_typing":  typing,
	})
	return nil
}

// SetSticky 设置粘性状态（waiting_for_agent / offline），空串恢复按活跃时间推导
func (s *VisitorService) SetSticky(ctx context.Context, visitorID uint, sticky string) error {
	return s.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("id = ?", visitorID).
		Update("sticky_status", sticky).Error
}

type VisitorView struct {
	models.Visitor
	Status string `json:"status"`
}

// ListLive 返回租户当前可见访客（排除超过30分钟无活动以及粘性 offline 的）
func (s *VisitorService) ListLive(ctx context.Context, tenantID uint) ([]VisitorView, error) {
	var visitors []models.Visitor
	cutoff := time.Now().Add(-models.VisitorGoneAfter)
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND sticky_status <> ? AND (last_activity_at > ? OR sticky_status = ?)",
			tenantID, models.VisitorStatusOffline, cutoff, models.VisitorStatusWaitingForAgent).
		Order("last_activity_at DESC").
		Find(&visitors).Error
	if err != nil {
		return nil, err
	}

	now := time.Now()
	views := make([]VisitorView, 0, len(visitors))
	for _, v := range visitors {
		views = append(views, VisitorView{Visitor: v, Status: v.StatusAt(now)})
	}
	return views, nil
}

// 房间命名约定
func TenantRoom(tenantID uint) string {
	return fmt.Sprintf("tenant:%d", tenantID)
}

func UserRoom(tenantID, userID uint) string {
	return fmt.Sprintf("user:%d:%d", tenantID, userID)
}

func BrandRoom(tenantID, brandID uint) string {
	return fmt.Sprintf("brand:%d:%d", tenantID, brandID)
}

func SessionRoom(publicID string) string {
	return fmt.Sprintf("session:%s", publicID)
}
