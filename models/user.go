package models

import "time"

// 用户角色
const (
	RoleAgent      = "agent"
	RoleVisitor    = "visitor"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// 客服在线状态（显式设置，区别于 TTL 心跳在线）
const (
	AgentStatusOnline    = "online"
	AgentStatusAway      = "away"
	AgentStatusInvisible = "invisible"
	AgentStatusOffline   = "offline"
)

type User struct {
	ID                 uint      `json:"id" gorm:"primaryKey"`
	TenantID           uint      `json:"tenant_id" gorm:"index"`
	Email              string    `json:"email" gorm:"uniqueIndex"`
	Username           string    `json:"username"`
	Password           string    `json:"-"` // hashed
	Role               string    `json:"role" gorm:"index"` // agent, visitor, admin, super_admin
	BrandIDs           []uint    `json:"brand_ids" gorm:"serializer:json"`
	Status             string    `json:"status" gorm:"default:'offline'"`
	MaxConcurrentChats int       `json:"max_concurrent_chats" gorm:"default:5"`
	Active             bool      `json:"active" gorm:"default:true"`
	LastLoginAt        time.Time `json:"last_login_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	User         User   `json:"user"`
}
