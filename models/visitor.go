package models

import "time"

// 访客状态。waiting_for_agent 与 offline 为粘性状态，其余由最后活跃时间推导
const (
	VisitorStatusOnline          = "online"
	VisitorStatusIdle            = "idle"
	VisitorStatusAway            = "away"
	VisitorStatusOffline         = "offline"
	VisitorStatusWaitingForAgent = "waiting_for_agent"
)

// 推导阈值
const (
	VisitorIdleAfter = 15 * time.Minute
	VisitorGoneAfter = 30 * time.Minute
)

type Visitor struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	PublicID        string    `json:"public_id" gorm:"uniqueIndex"`
	TenantID        uint      `json:"tenant_id" gorm:"index"`
	BrandID         uint      `json:"brand_id" gorm:"index"`
	Name            string    `json:"name"`
	StickyStatus    string    `json:"sticky_status"` // 仅 waiting_for_agent / offline，空表示按活跃时间推导
	AssignedAgentID *uint     `json:"assigned_agent_id"` // 弱引用，仅用于查询
	IsTyping        bool      `json:"is_typing"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DeriveVisitorStatus 按最后活跃时间推导访客状态，粘性状态优先
func DeriveVisitorStatus(sticky string, lastActivity, now time.Time) string {
	if sticky == VisitorStatusOffline || sticky == VisitorStatusWaitingForAgent {
		return sticky
	}
	age := now.Sub(lastActivity)
	switch {
	case age < VisitorIdleAfter:
		return VisitorStatusOnline
	case age < VisitorGoneAfter:
		return VisitorStatusIdle
	default:
		return VisitorStatusAway
	}
}

// Status 当前推导状态
func (v *Visitor) StatusAt(now time.Time) string {
	return DeriveVisitorStatus(v.StickyStatus, v.LastActivityAt, now)
}
