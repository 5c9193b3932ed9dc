package models

import "time"

// 触发器类型
const (
	TriggerTypeMessage    = "message"
	TriggerTypeChatStatus = "chat_status"
)

// 条件操作符
const (
	OperatorEquals        = "equals"
	OperatorNotEquals     = "not_equals"
	OperatorContains      = "contains"
	OperatorStartsWith    = "starts_with"
	OperatorGreaterThan   = "greater_than"
	OperatorLessThan      = "less_than"
	OperatorBusinessHours = "business_hours"
)

// 动作类型（闭集）
const (
	ActionAssignToDepartment = "assign_to_department"
	ActionAssignToAgent      = "assign_to_agent"
	ActionSendAIResponse     = "send_ai_response"
	ActionSendNotification   = "send_notification"
	ActionAddTag             = "add_tag"
	ActionSetPriority        = "set_priority"
	ActionAutoReply          = "auto_reply"
	ActionEscalate           = "escalate"
	ActionCloseChat          = "close_chat"
)

type TriggerCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type TriggerAction struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

type Trigger struct {
	ID          uint               `json:"id" gorm:"primaryKey"`
	TenantID    uint               `json:"tenant_id" gorm:"index"`
	Name        string             `json:"name"`
	TriggerType string             `json:"trigger_type" gorm:"index"` // message, chat_status
	Conditions  []TriggerCondition `json:"conditions" gorm:"serializer:json"`
	Actions     []TriggerAction    `json:"actions" gorm:"serializer:json"`
	Priority    int                `json:"priority" gorm:"index;default:0"`
	Active      bool               `json:"active" gorm:"default:true"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}
