package models

import "time"

// 路由变更审计记录，由 Kafka 消费端落库
type AuditEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	EventType  string    `json:"event_type" gorm:"index"`
	TenantID   uint      `json:"tenant_id" gorm:"index"`
	SessionID  uint      `json:"session_id" gorm:"index"`
	FromAgent  uint      `json:"from_agent"`
	ToAgent    uint      `json:"to_agent"`
	InstanceID string    `json:"instance_id"`
	Payload    string    `json:"payload" gorm:"type:text"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}
