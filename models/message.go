package models

import "time"

// 消息发送方类型
const (
	SenderVisitor = "visitor"
	SenderAgent   = "agent"
	SenderAI      = "ai"
	SenderSystem  = "system"
)

type Message struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	PublicID   string    `json:"public_id"`
	SessionID  uint      `json:"session_id" gorm:"index"`
	SenderType string    `json:"sender_type"`
	SenderID   uint      `json:"sender_id"`
	Content    string    `json:"content" gorm:"type:text"`
	Kind       string    `json:"kind"` // text, system, ai
	SeenAt     *time.Time `json:"seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}
