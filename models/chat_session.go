package models

import "time"

// 会话状态机：waiting -> active -> transferred -> closed
// waiting_for_agent 表示曾经活跃、被放回公共池等待认领
const (
	ChatStatusWaiting         = "waiting"
	ChatStatusActive          = "active"
	ChatStatusTransferred     = "transferred"
	ChatStatusWaitingForAgent = "waiting_for_agent"
	ChatStatusClosed          = "closed"
)

type ChatSession struct {
	ID               uint       `json:"id" gorm:"primaryKey"`
	PublicID         string     `json:"public_id" gorm:"uniqueIndex"`
	TenantID         uint       `json:"tenant_id" gorm:"index"`
	BrandID          uint       `json:"brand_id" gorm:"index"`
	VisitorID        uint       `json:"visitor_id" gorm:"index"`
	AssignedAgentID  *uint      `json:"assigned_agent_id" gorm:"index"` // CAS 字段，未分配时为 NULL
	TransferTargetID *uint      `json:"transfer_target_id"` // 转接建议目标，仅提示，不阻止其他客服认领
	Status           string     `json:"status" gorm:"index;default:'waiting'"`
	PreviouslyActive bool       `json:"previously_active" gorm:"default:false"`
	Priority         int        `json:"priority" gorm:"default:0"`
	EscalationLevel  int        `json:"escalation_level" gorm:"default:0"`
	Tags             []string   `json:"tags" gorm:"serializer:json"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// 是否在公共池中（可被任意客服认领）
func (s *ChatSession) Pooled() bool {
	return s.Status == ChatStatusWaiting || s.Status == ChatStatusWaitingForAgent
}
